package twitter

import (
	"context"

	"github.com/talos-agent/talos/pkg/protocol"
)

// Client is the platform client the dispatcher posts and looks users up through.
// Authentication and rate limiting live behind it.
type Client interface {
	PostTweet(ctx context.Context, text string) error
	ReplyToTweet(ctx context.Context, tweetID, text string) error
	GetUser(ctx context.Context, username string) (*User, error)
}

// PublicMetrics are the public counters of an account.
type PublicMetrics struct {
	FollowersCount int `json:"followers_count"`
	FollowingCount int `json:"following_count"`
	TweetCount     int `json:"tweet_count"`
	ListedCount    int `json:"listed_count"`
}

// User is a platform account as returned by Client.GetUser.
type User struct {
	ID            string         `json:"id"`
	Username      string         `json:"username"`
	Name          string         `json:"name,omitempty"`
	Description   string         `json:"description,omitempty"`
	Verified      bool           `json:"verified,omitempty"`
	PublicMetrics *PublicMetrics `json:"public_metrics,omitempty"`
}

// AccountEvaluator scores an account.
type AccountEvaluator interface {
	Evaluate(ctx context.Context, user *User) (*protocol.EvaluationResult, error)
}

// InfluencerEvaluator scores an account against a specialized influencer profile.
type InfluencerEvaluator interface {
	Evaluate(ctx context.Context, user *User) (*protocol.EvaluationResult, error)
}

// InfluencerEvaluatorFactory builds an influencer evaluator on top of the
// dispatcher's platform client. It is called on each evaluation.
type InfluencerEvaluatorFactory func(Client) InfluencerEvaluator

// PersonaResponse is the output of persona generation.
type PersonaResponse struct {
	Report string `json:"report"`
}

// PersonaGenerator describes the voice and style of an account.
type PersonaGenerator interface {
	Run(ctx context.Context, username string) (*PersonaResponse, error)
}
