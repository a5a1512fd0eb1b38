package gateway

import (
	"context"
	"fmt"

	"github.com/talos-agent/talos/internal/twitter"
	"github.com/talos-agent/talos/pkg/protocol"
)

// AccountEvaluator scores accounts with the gateway's general model.
type AccountEvaluator struct {
	c *Client
}

// NewAccountEvaluator returns an evaluator backed by c.
func NewAccountEvaluator(c *Client) *AccountEvaluator {
	return &AccountEvaluator{c: c}
}

func (e *AccountEvaluator) Evaluate(ctx context.Context, user *twitter.User) (*protocol.EvaluationResult, error) {
	return e.c.evaluate(ctx, "/evaluations/account", user)
}

// InfluencerEvaluator scores accounts with the crypto influencer model.
type InfluencerEvaluator struct {
	c *Client
}

func (e *InfluencerEvaluator) Evaluate(ctx context.Context, user *twitter.User) (*protocol.EvaluationResult, error) {
	return e.c.evaluate(ctx, "/evaluations/crypto-influencer", user)
}

// InfluencerFactory returns a factory for the dispatcher. The gateway fetches
// whatever extra history it needs itself, so the platform client passed in is
// not used.
func InfluencerFactory(c *Client) twitter.InfluencerEvaluatorFactory {
	return func(twitter.Client) twitter.InfluencerEvaluator {
		return &InfluencerEvaluator{c: c}
	}
}

func (c *Client) evaluate(ctx context.Context, path string, user *twitter.User) (*protocol.EvaluationResult, error) {
	var res protocol.EvaluationResult
	if err := c.do(ctx, "POST", path, user, &res); err != nil {
		return nil, fmt.Errorf("gateway: evaluate %s: %w", user.Username, err)
	}
	return &res, nil
}

// PersonaGenerator asks the gateway to describe an account's voice.
type PersonaGenerator struct {
	c *Client
}

// NewPersonaGenerator returns a generator backed by c.
func NewPersonaGenerator(c *Client) *PersonaGenerator {
	return &PersonaGenerator{c: c}
}

func (g *PersonaGenerator) Run(ctx context.Context, username string) (*twitter.PersonaResponse, error) {
	var res twitter.PersonaResponse
	in := map[string]string{"username": username}
	if err := g.c.do(ctx, "POST", "/personas", in, &res); err != nil {
		return nil, fmt.Errorf("gateway: persona %s: %w", username, err)
	}
	return &res, nil
}
