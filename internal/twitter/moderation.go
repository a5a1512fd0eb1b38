package twitter

import (
	"context"
	"fmt"
)

// ModerationThreshold is the toxicity score at or above which content is rejected.
const ModerationThreshold = 0.7

// Moderator scores text for toxicity in [0, 1].
type Moderator interface {
	Toxicity(ctx context.Context, text string) (float64, error)
}

// Gate decides whether text may be posted. A gate without a moderator
// approves everything.
type Gate struct {
	moderator Moderator
}

// NewGate creates a gate. m may be nil.
func NewGate(m Moderator) *Gate {
	return &Gate{moderator: m}
}

// Enabled reports whether a moderator is bound.
func (g *Gate) Enabled() bool {
	return g != nil && g.moderator != nil
}

// Approve returns true when text scores below ModerationThreshold, or when no
// moderator is bound. Moderator errors are returned and the caller must
// not post.
func (g *Gate) Approve(ctx context.Context, text string) (bool, error) {
	if !g.Enabled() {
		return true, nil
	}
	score, err := g.moderator.Toxicity(ctx, text)
	if err != nil {
		return false, fmt.Errorf("moderation: %w", err)
	}
	return score < ModerationThreshold, nil
}
