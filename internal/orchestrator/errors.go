package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sells-group/buildforge/internal/executor"
	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/provider"
	"github.com/sells-group/buildforge/internal/selector"
	"github.com/sells-group/buildforge/internal/verify"
)

// qualityError ends a job whose attempts were all rejected.
type qualityError struct {
	outcome  *verify.Outcome
	attempts int
}

func (e *qualityError) Error() string {
	msg := fmt.Sprintf("orchestrator: rejected after %d attempts", e.attempts)
	if e.outcome != nil && len(e.outcome.Issues) > 0 {
		msg += ": " + strings.Join(e.outcome.Issues, "; ")
	}
	return msg
}

// sinkError wraps a failed artifact delivery.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "orchestrator: deliver artifact: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// FailureFor maps a job error onto its structured failure reason.
func FailureFor(err error) model.FailureReason {
	reason := model.FailureReason{Code: model.FailureInternal, Message: err.Error()}

	var (
		qe  *qualityError
		se  *sinkError
		npe *selector.NoProviderAvailableError
		ee  *executor.ExhaustedError
		pe  *provider.Error
	)
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		reason.Code = model.FailureCancelled
		reason.Message = "job cancelled"
	case errors.As(err, &qe):
		reason.Code = model.FailureQualityRejected
		if qe.outcome != nil {
			reason.Issues = append([]string(nil), qe.outcome.Issues...)
			reason.Scores = qe.outcome.Hallucination
		}
	case errors.As(err, &se):
		reason.Code = model.FailureSink
	case errors.As(err, &npe):
		reason.Code = model.FailureNoProvider
		if !npe.EarliestReset.IsZero() {
			t := npe.EarliestReset.UTC()
			reason.EarliestReset = &t
		}
	case errors.As(err, &ee), errors.Is(err, executor.ErrProviderExhausted):
		reason.Code = model.FailureProviderExhausted
	case errors.As(err, &pe) && pe.Kind == provider.KindFatal:
		reason.Code = model.FailureFatalProvider
	}
	return reason
}
