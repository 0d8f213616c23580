package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medxp/handoff/internal/inference"
)

// Observer receives one call per analyzer run.
type Observer interface {
	ObserveAnalyzer(name Name, status Status, d time.Duration)
}

// Ensemble runs every analyzer concurrently and always returns one assessment per role, in Order.
type Ensemble struct {
	analyzers map[Name]Analyzer
	timeout   time.Duration
	logger    zerolog.Logger
	observer  Observer
}

func NewEnsemble(analyzers []Analyzer, timeout time.Duration, logger zerolog.Logger) *Ensemble {
	byName := make(map[Name]Analyzer, len(analyzers))
	for _, a := range analyzers {
		byName[a.Name()] = a
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Ensemble{
		analyzers: byName,
		timeout:   timeout,
		logger:    logger.With().Str("component", "ensemble").Logger(),
	}
}

// WithObserver sets the metrics observer.
func (e *Ensemble) WithObserver(o Observer) *Ensemble {
	e.observer = o
	return e
}

type outcome struct {
	pa  *PartialAssessment
	err error
}

// Run executes the ensemble. A failing, slow or panicking analyzer contributes an unavailable
// assessment and never aborts the others.
func (e *Ensemble) Run(ctx context.Context, in Input) []PartialAssessment {
	results := make([]PartialAssessment, len(Order))

	var wg sync.WaitGroup
	for i, name := range Order {
		a, ok := e.analyzers[name]
		if !ok {
			results[i] = UnavailableAssessment(name, "not configured")
			continue
		}
		wg.Add(1)
		go func(i int, name Name, a Analyzer) {
			defer wg.Done()
			results[i] = e.runOne(ctx, name, a, in)
		}(i, name, a)
	}
	wg.Wait()

	return results
}

func (e *Ensemble) runOne(ctx context.Context, name Name, a Analyzer, in Input) PartialAssessment {
	start := time.Now()
	actx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		pa, err := a.Analyze(actx, in)
		done <- outcome{pa: pa, err: err}
	}()

	var result PartialAssessment
	select {
	case o := <-done:
		switch {
		case o.err != nil:
			result = UnavailableAssessment(name, reason(o.err))
		case o.pa == nil:
			result = UnavailableAssessment(name, "empty result")
		default:
			result = *o.pa
			result.Analyzer = name
			result.Status = StatusAvailable
			if result.Findings == nil {
				result.Findings = []Finding{}
			}
		}
	case <-actx.Done():
		result = UnavailableAssessment(name, reason(actx.Err()))
	}
	elapsed := time.Since(start)
	result.DurationMS = elapsed.Milliseconds()

	if result.Available() {
		e.logger.Debug().Str("analyzer", string(name)).Int("findings", len(result.Findings)).Dur("duration", elapsed).Msg("Analyzer completed")
	} else {
		e.logger.Warn().Str("analyzer", string(name)).Str("reason", result.Reason).Dur("duration", elapsed).Msg("Analyzer unavailable")
	}
	if e.observer != nil {
		e.observer.ObserveAnalyzer(name, result.Status, elapsed)
	}
	return result
}

func reason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrMalformedOutput), errors.Is(err, inference.ErrMalformedResponse):
		return "malformed output: " + err.Error()
	case errors.Is(err, inference.ErrInferenceUnavailable):
		return "inference unavailable"
	case errors.Is(err, inference.ErrRateLimited):
		return "rate limited"
	}
	return err.Error()
}
