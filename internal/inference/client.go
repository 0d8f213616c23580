// Package inference is the boundary to the external text-inference capability used by analyzers.
package inference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInferenceUnavailable is returned when no inference provider is configured or reachable.
	ErrInferenceUnavailable = errors.New("inference unavailable")

	// ErrRateLimited is returned when the provider keeps rejecting requests with 429.
	ErrRateLimited = errors.New("inference rate limit exceeded")

	// ErrMalformedResponse is returned when the provider response cannot be decoded.
	ErrMalformedResponse = errors.New("malformed inference response")

	// ErrInvalidRequest is returned for requests missing a role prompt.
	ErrInvalidRequest = errors.New("invalid inference request")
)

// Request carries one analyzer's role prompt and its inputs.
type Request struct {
	// Role names the analyzer making the call.
	Role           string
	RolePrompt     string
	Transcript     string
	PatientContext string
}

func (r Request) validate() error {
	if strings.TrimSpace(r.RolePrompt) == "" {
		return fmt.Errorf("%w: role prompt is required", ErrInvalidRequest)
	}
	return nil
}

// UserMessage renders the transcript and patient context as a single message.
func (r Request) UserMessage() string {
	var b strings.Builder
	b.WriteString("TRANSCRIPT:\n")
	b.WriteString(r.Transcript)
	b.WriteString("\n\nPATIENT CONTEXT:\n")
	b.WriteString(r.PatientContext)
	return b.String()
}

// Response is the raw free-form text returned by the provider.
type Response struct {
	Content string
	Model   string
	Cached  bool
	Latency time.Duration
}

// Client completes inference requests. Implementations must honor ctx cancellation.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Func adapts a function to the Client interface.
type Func func(ctx context.Context, req Request) (*Response, error)

func (f Func) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Unavailable is the client used when no provider is configured.
type Unavailable struct{}

func (Unavailable) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrInferenceUnavailable
}
