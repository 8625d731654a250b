package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hannes/kiji-detect/config"
	"github.com/hannes/kiji-detect/logging"
	pii "github.com/hannes/kiji-detect/pii/detectors"
)

// MaxRequestBodySize caps the JSON body accepted from clients
const MaxRequestBodySize = 1 << 20

// MaxUpstreamResponseSize caps the body relayed back from the detection service
const MaxUpstreamResponseSize = 10 * 1024 * 1024

var errResponseTooLarge = fmt.Errorf("detection service response exceeds %d bytes", MaxUpstreamResponseSize)

// Client headers that carry credentials and are never forwarded upstream.
var strippedHeaders = []string{"Authorization", "X-Api-Key", "Cookie"}

// hop-by-hop headers are connection-scoped and not relayed
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// DetectRequest is the body accepted on the pass-through endpoint
type DetectRequest struct {
	Text *string `json:"text"`
}

// Handler relays detection requests to the detection service, adding the
// server-held credential so browsers and scripts never see it.
type Handler struct {
	client       *http.Client
	endpoint     string
	apiKeyHeader string
	apiKey       string
	logger       *zerolog.Logger
}

// NewHandler builds a pass-through handler from the detection config
func NewHandler(cfg config.DetectionConfig, logger *zerolog.Logger) (*Handler, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("detection API key is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("detection base URL is required")
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	header := cfg.APIKeyHeader
	if header == "" {
		header = "x-api-key"
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		client:       &http.Client{Timeout: timeout},
		endpoint:     pii.BuildEndpoint(cfg.BaseURL, cfg.Path),
		apiKeyHeader: header,
		apiKey:       cfg.APIKey,
		logger:       logger,
	}, nil
}

// ServeHTTP implements the http.Handler interface
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := h.readRequestBody(w, r)
	if err != nil {
		h.logger.Debug().Err(err).Msg("rejected pass-through request body")
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.createAndSendProxyRequest(r, body)
	if err != nil {
		logging.ReportError(h.logger, err, "detection pass-through failed")
		writeJSONError(w, http.StatusBadGateway, "detection service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	h.sendResponse(w, resp)

	h.logger.Debug().
		Int("status", resp.StatusCode).
		Int("request_bytes", len(body)).
		Msg("relayed detection request")
}

// readRequestBody reads the body and checks that it is a JSON object with a text field
func (h *Handler) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	var req DetectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("request body must be a JSON object")
	}
	if req.Text == nil {
		return nil, fmt.Errorf("request body must contain a text field")
	}
	return body, nil
}

// createAndSendProxyRequest forwards the body with the configured credential
func (h *Handler) createAndSendProxyRequest(r *http.Request, body []byte) (*http.Response, error) {
	proxyReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy request: %w", err)
	}

	copyHeaders(r.Header, proxyReq.Header)
	for _, name := range strippedHeaders {
		proxyReq.Header.Del(name)
	}
	proxyReq.Header.Del(h.apiKeyHeader)
	proxyReq.Header.Set("Content-Type", "application/json")
	proxyReq.Header.Set(h.apiKeyHeader, h.apiKey)

	resp, err := h.client.Do(proxyReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to detection service: %w", err)
	}
	return resp, nil
}

// sendResponse relays the upstream status, headers and body
func (h *Handler) sendResponse(w http.ResponseWriter, resp *http.Response) {
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxUpstreamResponseSize+1))
	if err != nil {
		logging.ReportError(h.logger, err, "failed to read detection service response")
		writeJSONError(w, http.StatusBadGateway, "failed to read detection service response")
		return
	}
	if len(respBody) > MaxUpstreamResponseSize {
		logging.ReportError(h.logger, errResponseTooLarge, "detection service response rejected")
		writeJSONError(w, http.StatusBadGateway, "detection service response too large")
		return
	}

	copyHeaders(resp.Header, w.Header())
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(respBody); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write pass-through response")
	}
}

// Close releases idle upstream connections
func (h *Handler) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// copyHeaders copies end-to-end headers from source to destination
func copyHeaders(source, destination http.Header) {
	for key, values := range source {
		for _, value := range values {
			destination.Add(key, value)
		}
	}
	for _, name := range hopHeaders {
		destination.Del(name)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
