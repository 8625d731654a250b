package pii

// DetectorInput represents the input for PII detection
type DetectorInput struct {
	Text string `json:"text"`
}

// Finding is one result item reported by the detection service
type Finding struct {
	Index         int      `json:"index"`
	Content       string   `json:"content"`
	ContextualPII bool     `json:"contextual_pii"`
	OtherFields   []string `json:"other_fields"`
}

// DetectorOutput represents the output of PII detection
type DetectorOutput struct {
	Text     string    `json:"text"`
	Findings []Finding `json:"results"`
}

// detectResponse is the wire shape of a successful detection response
type detectResponse struct {
	Results []Finding `json:"results"`
}
