package policy

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/infiligence/governed-rag/internal/models"
)

// ReasonPolicyUnavailable is the contractual reason for any collapse to DENY
// at the policy boundary.
const ReasonPolicyUnavailable = "policy-unavailable"

// Adapter wraps a policy backend with timeout, a single jittered retry, and a
// circuit breaker, and maps engine output into the closed decision variant.
// Deny-by-default is absolute: every failure mode yields DENY.
type Adapter struct {
	client  Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewAdapter creates an adapter around a backend. timeout bounds each
// evaluation including its retry.
func NewAdapter(client Client, timeout time.Duration) *Adapter {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "policy-engine",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 10 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("policy breaker state change")
		},
	})
	return &Adapter{client: client, timeout: timeout, breaker: breaker}
}

// Evaluate asks the policy engine whether (subject, resource, action) is
// permitted. Mapping priority: engine step-up with mfa unsatisfied wins, then
// allow, then deny. The adapter never returns an error; uncertainty collapses
// to DENY. It is pure with respect to the audit ledger.
func (a *Adapter) Evaluate(ctx context.Context, subject *models.Subject, resource *models.FragmentCandidate, action models.Action) models.Decision {
	req := &Request{
		Subject:  SubjectInputFrom(subject),
		Resource: ResourceInputFrom(resource),
		Action:   string(action),
	}

	evalCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.call(evalCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return models.Deny("cancelled")
		}
		log.Warn().Err(err).
			Str("subject", subject.ID).
			Str("fragment", resource.FragmentID).
			Msg("policy evaluation collapsed to deny")
		return models.Deny(ReasonPolicyUnavailable)
	}

	switch {
	case resp.StepUpRequired && !subject.Attrs.MFASatisfied:
		return models.Decision{Kind: models.DecisionStepUp, Reason: reasonOr(resp.Reason, "second-factor-required"), RuleID: resp.RuleID}
	case resp.Allow:
		return models.Decision{Kind: models.DecisionAllow, Reason: resp.Reason, RuleID: resp.RuleID}
	default:
		return models.Decision{Kind: models.DecisionDeny, Reason: reasonOr(resp.Reason, "not-permitted"), RuleID: resp.RuleID}
	}
}

// call runs one breaker-guarded evaluation with at most one jittered retry on
// transient errors. Denies are engine answers, not errors, so they are never
// retried.
func (a *Adapter) call(ctx context.Context, req *Request) (*EngineResponse, error) {
	var resp *EngineResponse

	op := func() error {
		out, err := a.breaker.Execute(func() (any, error) {
			return a.client.Evaluate(ctx, req)
		})
		if err != nil {
			if gobreaker.ErrOpenState == err || gobreaker.ErrTooManyRequests == err {
				// Open breaker: collapse immediately rather than waiting.
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = out.(*EngineResponse)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxElapsedTime = a.timeout
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 1), ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
