// Package form holds the detection form: its input text, the lifecycle of a
// submission to the detection service, and the view rendered from it.
package form

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hannes/kiji-detect/logging"
	pii "github.com/hannes/kiji-detect/pii/detectors"
)

// User-facing messages.
const (
	MsgEmptyInput     = "Please enter some text."
	MsgDetectionError = "Error detecting PII."
)

var (
	// ErrEmptyInput is returned when the input is empty after trimming whitespace.
	ErrEmptyInput = errors.New("input text is empty")
	// ErrSuperseded is returned to a submission replaced by a newer one before it finished.
	ErrSuperseded = errors.New("submission superseded by a newer one")
)

// Form is one user's detection form. It is safe for concurrent use; at most
// one detection request is in flight at a time.
type Form struct {
	detector pii.Detector
	logger   *zerolog.Logger

	mu         sync.Mutex
	text       string
	state      State
	generation uint64
	cancel     context.CancelFunc
}

func New(detector pii.Detector, logger *zerolog.Logger) *Form {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Form{
		detector: detector,
		logger:   logger,
		state:    Idle(),
	}
}

func (f *Form) SetText(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
}

func (f *Form) Text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

func (f *Form) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// View renders the current text and state.
func (f *Form) View() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Render(f.text, f.state)
}

// Submit sends the current text to the detection service and returns the
// resulting state.
//
// Whitespace-only text fails fast with ErrEmptyInput and no request. A
// request failure of any kind leaves the form in Failed(MsgDetectionError)
// and returns the underlying error. Submitting again while a request is in
// flight cancels that request; its Submit call returns ErrSuperseded and
// leaves the state alone.
func (f *Form) Submit(ctx context.Context) (State, error) {
	f.mu.Lock()
	f.supersedeLocked()
	text := f.text

	if strings.TrimSpace(text) == "" {
		f.state = Failed(MsgEmptyInput)
		st := f.state
		f.mu.Unlock()
		return st, ErrEmptyInput
	}

	gen := f.generation
	reqCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.state = Pending()
	f.mu.Unlock()
	defer cancel()

	out, err := f.detector.Detect(reqCtx, pii.DetectorInput{Text: text})

	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.generation {
		return f.state, ErrSuperseded
	}
	f.cancel = nil

	if err != nil {
		logging.ReportError(f.logger, err, "PII detection request failed")
		f.state = Failed(MsgDetectionError)
		return f.state, err
	}

	f.state = Succeeded(out.Findings)
	f.logger.Debug().Int("findings", len(out.Findings)).Msg("PII detection completed")
	return f.state, nil
}

// supersedeLocked invalidates any in-flight submission. Callers hold f.mu.
func (f *Form) supersedeLocked() {
	f.generation++
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
}

// Close cancels any in-flight submission.
func (f *Form) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.IsPending() {
		f.state = Idle()
	}
	f.supersedeLocked()
}
