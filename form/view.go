package form

import (
	"fmt"
	"io"
	"strings"

	pii "github.com/hannes/kiji-detect/pii/detectors"
)

const (
	LabelDetect    = "Detect PII"
	LabelDetecting = "Detecting..."
	MsgNoFindings  = "No PII detected."
	fieldsNone     = "None"
)

// View is everything the page shows, derived from the input text and state.
type View struct {
	Text        string
	ButtonLabel string
	Busy        bool
	Error       string
	ShowResults bool
	NoFindings  bool
	Items       []ItemView
}

// ItemView is one rendered finding.
type ItemView struct {
	Index          int
	Content        string
	ContextualPII  string
	DetectedFields string
}

// Render is a pure function of its inputs.
func Render(text string, s State) View {
	v := View{
		Text:        text,
		ButtonLabel: LabelDetect,
		Busy:        s.IsPending(),
		Error:       s.Message(),
	}
	if v.Busy {
		v.ButtonLabel = LabelDetecting
	}

	results, ok := s.Results()
	if !ok {
		return v
	}
	v.ShowResults = true
	v.NoFindings = len(results) == 0
	v.Items = make([]ItemView, 0, len(results))
	for _, r := range results {
		v.Items = append(v.Items, renderItem(r))
	}
	return v
}

func renderItem(f pii.Finding) ItemView {
	item := ItemView{
		Index:          f.Index,
		Content:        f.Content,
		ContextualPII:  "No",
		DetectedFields: fieldsNone,
	}
	if f.ContextualPII {
		item.ContextualPII = "Yes"
	}
	if len(f.OtherFields) > 0 {
		item.DetectedFields = strings.Join(f.OtherFields, ", ")
	}
	return item
}

// WriteText writes the view as plain text, for terminals.
func WriteText(w io.Writer, v View) error {
	var b strings.Builder
	if v.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", v.Error)
	}
	if v.Busy {
		fmt.Fprintf(&b, "%s\n", v.ButtonLabel)
	}
	if v.ShowResults {
		b.WriteString("Detection Results\n")
		if v.NoFindings {
			fmt.Fprintf(&b, "%s\n", MsgNoFindings)
		}
		for _, item := range v.Items {
			fmt.Fprintf(&b, "\nContent: %s\n", item.Content)
			fmt.Fprintf(&b, "Contextual PII: %s\n", item.ContextualPII)
			fmt.Fprintf(&b, "Detected Fields: %s\n", item.DetectedFields)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
