package ai

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
)

type explainerChain struct {
	primary  Explainer
	fallback Explainer
}

// WithFallback tries primary first and falls back when it is disabled, fails,
// or returns a decision without a narrative and recommendation.
func WithFallback(primary, fallback Explainer) Explainer {
	if primary == nil {
		return fallback
	}
	if fallback == nil {
		return primary
	}
	return &explainerChain{primary: primary, fallback: fallback}
}

func (c *explainerChain) Enabled() bool {
	if c == nil {
		return false
	}
	return (c.primary != nil && c.primary.Enabled()) || (c.fallback != nil && c.fallback.Enabled())
}

func (c *explainerChain) Explain(ctx context.Context, input ExplanationInput) (Decision, error) {
	if c == nil {
		return Decision{}, ErrDisabled
	}
	if c.primary != nil && c.primary.Enabled() {
		decision, err := c.primary.Explain(ctx, input)
		if err == nil && strings.TrimSpace(decision.Narrative) != "" && decision.Recommendation != "" {
			return decision, nil
		}
		logrus.WithFields(logrus.Fields{
			"claim_id": input.Verdict.ClaimID,
		}).WithError(err).Warn("primary explainer unavailable, using fallback")
	}
	if c.fallback != nil && c.fallback.Enabled() {
		return c.fallback.Explain(ctx, input)
	}
	return Decision{}, ErrDisabled
}
