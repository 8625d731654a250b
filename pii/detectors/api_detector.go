package pii

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const (
	DefaultDetectPath   = "/api/detect-pii"
	DefaultAPIKeyHeader = "x-api-key"
	DefaultTimeout      = 30 * time.Second

	// MaxResponseSize caps how much of a detection response is read
	MaxResponseSize = 10 * 1024 * 1024
)

// ErrDetectionFailed is matched by every non-success response from the detection service
var ErrDetectionFailed = errors.New("detection failed")

// StatusError reports a non-success HTTP status from the detection service
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("detection failed: status %d", e.StatusCode)
}

// Is lets errors.Is(err, ErrDetectionFailed) match any StatusError
func (e *StatusError) Is(target error) bool {
	return target == ErrDetectionFailed
}

var tracer = otel.Tracer("github.com/hannes/kiji-detect/pii/detectors")

// APIDetectorOptions configures an APIDetector
type APIDetectorOptions struct {
	BaseURL      string
	Path         string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	RateLimit    float64 // requests per second, 0 disables limiting
	RateBurst    int
	HTTPClient   *http.Client
}

// APIDetector delegates detection to the remote detection service
type APIDetector struct {
	endpoint     string
	apiKey       string
	apiKeyHeader string
	client       *http.Client
	limiter      *rate.Limiter
}

// BuildEndpoint joins a detection service base URL and path. An empty path
// means DefaultDetectPath.
func BuildEndpoint(baseURL, path string) string {
	if path == "" {
		path = DefaultDetectPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(baseURL, "/") + path
}

func NewAPIDetector(opts APIDetectorOptions) *APIDetector {
	header := opts.APIKeyHeader
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &APIDetector{
		endpoint:     BuildEndpoint(opts.BaseURL, opts.Path),
		apiKey:       opts.APIKey,
		apiKeyHeader: header,
		client:       client,
		limiter:      limiter,
	}
}

// GetName returns the name of this detector
func (a *APIDetector) GetName() string {
	return DetectorNameAPI
}

// Endpoint returns the full URL detection requests are sent to
func (a *APIDetector) Endpoint() string {
	return a.endpoint
}

// Detect sends the raw input text to the detection service and returns its findings
func (a *APIDetector) Detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	ctx, span := tracer.Start(ctx, "pii.detect")
	defer span.End()

	output, err := a.detect(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return DetectorOutput{}, err
	}
	span.SetAttributes(attribute.Int("pii.findings", len(output.Findings)))
	return output, nil
}

func (a *APIDetector) detect(ctx context.Context, input DetectorInput) (DetectorOutput, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return DetectorOutput{}, fmt.Errorf("rate limiter: %w", err)
		}
	}

	jsonData, err := json.Marshal(DetectorInput{Text: input.Text})
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to encode detection request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to create detection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(a.apiKeyHeader, a.apiKey)

	response, err := a.client.Do(req)
	if err != nil {
		return DetectorOutput{}, fmt.Errorf("failed to send detection request: %w", err)
	}
	defer func() { _ = response.Body.Close() }()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		// drain so the connection can be reused; the error body is not consumed
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, MaxResponseSize))
		return DetectorOutput{}, &StatusError{StatusCode: response.StatusCode}
	}

	findings, err := convertResponseToFindings(response.Body)
	if err != nil {
		return DetectorOutput{}, err
	}

	return DetectorOutput{
		Text:     input.Text,
		Findings: findings,
	}, nil
}

func convertResponseToFindings(body io.Reader) ([]Finding, error) {
	var decoded detectResponse
	if err := json.NewDecoder(io.LimitReader(body, MaxResponseSize)).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}
	if decoded.Results == nil {
		return []Finding{}, nil
	}
	for i := range decoded.Results {
		if decoded.Results[i].OtherFields == nil {
			decoded.Results[i].OtherFields = []string{}
		}
	}
	return decoded.Results, nil
}

// Close implements the Detector interface
func (a *APIDetector) Close() error {
	a.client.CloseIdleConnections()
	return nil
}
