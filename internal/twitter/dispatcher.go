package twitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/talos-agent/talos/pkg/protocol"
)

const (
	// RejectedMessage is returned instead of posting when moderation rejects the text.
	RejectedMessage = "Tweet not sent. Content is inappropriate."
	// PostedMessage is returned after a successful post or reply.
	PostedMessage = "Tweet posted successfully."
)

// Dispatcher routes twitter operations to the platform client and the
// evaluation collaborators. It holds no state beyond its bindings and is safe
// for concurrent use when the collaborators are.
type Dispatcher struct {
	client     Client
	gate       *Gate
	accounts   AccountEvaluator
	influencer InfluencerEvaluatorFactory
	persona    PersonaGenerator
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithModerator binds the moderation collaborator. Without one every post is approved.
func WithModerator(m Moderator) Option {
	return func(d *Dispatcher) { d.gate = NewGate(m) }
}

// WithAccountEvaluator binds the evaluator used by evaluate_account.
func WithAccountEvaluator(e AccountEvaluator) Option {
	return func(d *Dispatcher) { d.accounts = e }
}

// WithInfluencerEvaluator binds the factory used by evaluate_crypto_influencer.
func WithInfluencerEvaluator(f InfluencerEvaluatorFactory) Option {
	return func(d *Dispatcher) { d.influencer = f }
}

// WithPersonaGenerator binds the generator used by generate_persona_prompt.
func WithPersonaGenerator(p PersonaGenerator) Option {
	return func(d *Dispatcher) { d.persona = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a dispatcher over client.
func New(client Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		client: client,
		gate:   NewGate(nil),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dispatches the named operation with a raw parameter map.
func (d *Dispatcher) Run(ctx context.Context, name string, params map[string]any) (any, error) {
	args, err := ParseArgs(name, params)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, args)
}

// Dispatch runs the operation selected by args.ToolName, passing it only the
// fields it uses.
func (d *Dispatcher) Dispatch(ctx context.Context, args Args) (any, error) {
	d.logger.Debug("twitter operation", "op", args.ToolName)

	switch args.ToolName {
	case ToolPostTweet:
		return d.PostTweet(ctx, args.Tweet)
	case ToolGetAllReplies:
		return d.GetAllReplies(ctx, args.TweetID)
	case ToolReplyToTweet:
		return d.ReplyToTweet(ctx, args.TweetID, args.Tweet)
	case ToolGetFollowerCount:
		return d.GetFollowerCount(ctx, args.Username)
	case ToolGetFollowingCount:
		return d.GetFollowingCount(ctx, args.Username)
	case ToolGetTweetEngagement:
		return d.GetTweetEngagement(ctx, args.TweetID)
	case ToolEvaluateAccount:
		return d.EvaluateAccount(ctx, args.Username)
	case ToolEvaluateCryptoInfluencer:
		return d.EvaluateCryptoInfluencer(ctx, args.Username)
	case ToolGeneratePersonaPrompt:
		return d.GeneratePersonaPrompt(ctx, args.Username)
	}
	return nil, &OperationError{Op: string(args.ToolName), Err: ErrUnknownOperation}
}

// PostTweet posts text once it clears moderation.
func (d *Dispatcher) PostTweet(ctx context.Context, tweet string) (string, error) {
	args, err := bind(ToolPostTweet, TweetArgs{Tweet: tweet})
	if err != nil {
		return "", err
	}
	if d.client == nil {
		return "", opError(ToolPostTweet, fmt.Errorf("platform client: %w", ErrMissingCollaborator))
	}
	ok, err := d.gate.Approve(ctx, args.Tweet)
	if err != nil {
		return "", opError(ToolPostTweet, err)
	}
	if !ok {
		d.logger.Info("tweet rejected by moderation", "op", ToolPostTweet)
		return RejectedMessage, nil
	}
	if err := d.client.PostTweet(ctx, args.Tweet); err != nil {
		return "", opError(ToolPostTweet, err)
	}
	return PostedMessage, nil
}

// GetAllReplies is catalogued but not backed by the platform client yet.
func (d *Dispatcher) GetAllReplies(_ context.Context, tweetID string) ([]string, error) {
	if _, err := bind(ToolGetAllReplies, TweetIDArgs{TweetID: tweetID}); err != nil {
		return nil, err
	}
	return nil, opError(ToolGetAllReplies, ErrUnimplemented)
}

// ReplyToTweet replies to tweetID once the reply clears moderation.
func (d *Dispatcher) ReplyToTweet(ctx context.Context, tweetID, tweet string) (string, error) {
	args, err := bind(ToolReplyToTweet, ReplyArgs{TweetID: tweetID, Tweet: tweet})
	if err != nil {
		return "", err
	}
	if d.client == nil {
		return "", opError(ToolReplyToTweet, fmt.Errorf("platform client: %w", ErrMissingCollaborator))
	}
	ok, err := d.gate.Approve(ctx, args.Tweet)
	if err != nil {
		return "", opError(ToolReplyToTweet, err)
	}
	if !ok {
		d.logger.Info("reply rejected by moderation", "op", ToolReplyToTweet, "tweet_id", args.TweetID)
		return RejectedMessage, nil
	}
	if err := d.client.ReplyToTweet(ctx, args.TweetID, args.Tweet); err != nil {
		return "", opError(ToolReplyToTweet, err)
	}
	return PostedMessage, nil
}

// GetFollowerCount returns the user's followers_count.
func (d *Dispatcher) GetFollowerCount(ctx context.Context, username string) (int, error) {
	m, err := d.publicMetrics(ctx, ToolGetFollowerCount, username)
	if err != nil {
		return 0, err
	}
	return m.FollowersCount, nil
}

// GetFollowingCount returns the user's following_count.
func (d *Dispatcher) GetFollowingCount(ctx context.Context, username string) (int, error) {
	m, err := d.publicMetrics(ctx, ToolGetFollowingCount, username)
	if err != nil {
		return 0, err
	}
	return m.FollowingCount, nil
}

// GetTweetEngagement is catalogued but not backed by the platform client yet.
func (d *Dispatcher) GetTweetEngagement(_ context.Context, tweetID string) (map[string]any, error) {
	if _, err := bind(ToolGetTweetEngagement, TweetIDArgs{TweetID: tweetID}); err != nil {
		return nil, err
	}
	return nil, opError(ToolGetTweetEngagement, ErrUnimplemented)
}

// EvaluateAccount scores the account with the bound AccountEvaluator and
// returns its result unchanged.
func (d *Dispatcher) EvaluateAccount(ctx context.Context, username string) (*protocol.EvaluationResult, error) {
	if _, err := bind(ToolEvaluateAccount, UsernameArgs{Username: username}); err != nil {
		return nil, err
	}
	if d.accounts == nil {
		return nil, opError(ToolEvaluateAccount, fmt.Errorf("account evaluator: %w", ErrMissingCollaborator))
	}
	user, err := d.lookup(ctx, ToolEvaluateAccount, username)
	if err != nil {
		return nil, err
	}
	result, err := d.accounts.Evaluate(ctx, user)
	if err != nil {
		return nil, opError(ToolEvaluateAccount, err)
	}
	return result, nil
}

// EvaluateCryptoInfluencer scores the account as a crypto influencer and
// returns {username, score, evaluation_data}.
func (d *Dispatcher) EvaluateCryptoInfluencer(ctx context.Context, username string) (map[string]any, error) {
	if _, err := bind(ToolEvaluateCryptoInfluencer, UsernameArgs{Username: username}); err != nil {
		return nil, err
	}
	if d.influencer == nil {
		return nil, opError(ToolEvaluateCryptoInfluencer, fmt.Errorf("influencer evaluator: %w", ErrMissingCollaborator))
	}
	user, err := d.lookup(ctx, ToolEvaluateCryptoInfluencer, username)
	if err != nil {
		return nil, err
	}
	evaluator := d.influencer(d.client)
	if evaluator == nil {
		return nil, opError(ToolEvaluateCryptoInfluencer, fmt.Errorf("influencer evaluator: %w", ErrMissingCollaborator))
	}
	result, err := evaluator.Evaluate(ctx, user)
	if err != nil {
		return nil, opError(ToolEvaluateCryptoInfluencer, err)
	}
	if result == nil {
		return nil, opError(ToolEvaluateCryptoInfluencer, errors.New("evaluator returned no result"))
	}
	return map[string]any{
		"username":        username,
		"score":           result.Score,
		"evaluation_data": result.AdditionalData,
	}, nil
}

// GeneratePersonaPrompt returns the persona report for username.
func (d *Dispatcher) GeneratePersonaPrompt(ctx context.Context, username string) (string, error) {
	args, err := bind(ToolGeneratePersonaPrompt, UsernameArgs{Username: username})
	if err != nil {
		return "", err
	}
	if d.persona == nil {
		return "", opError(ToolGeneratePersonaPrompt, fmt.Errorf("persona generator: %w", ErrMissingCollaborator))
	}
	resp, err := d.persona.Run(ctx, args.Username)
	if err != nil {
		return "", opError(ToolGeneratePersonaPrompt, err)
	}
	if resp == nil {
		return "", opError(ToolGeneratePersonaPrompt, errors.New("persona generator returned no report"))
	}
	return resp.Report, nil
}

// lookup validates username and fetches the user from the platform client.
func (d *Dispatcher) lookup(ctx context.Context, op ToolName, username string) (*User, error) {
	args, err := bind(op, UsernameArgs{Username: username})
	if err != nil {
		return nil, err
	}
	if d.client == nil {
		return nil, opError(op, fmt.Errorf("platform client: %w", ErrMissingCollaborator))
	}
	user, err := d.client.GetUser(ctx, args.Username)
	if err != nil {
		return nil, &OperationError{Op: string(op), Arg: "username", Err: err}
	}
	if user == nil {
		return nil, &OperationError{Op: string(op), Arg: "username", Err: fmt.Errorf("user %q not found", args.Username)}
	}
	return user, nil
}

func (d *Dispatcher) publicMetrics(ctx context.Context, op ToolName, username string) (*PublicMetrics, error) {
	user, err := d.lookup(ctx, op, username)
	if err != nil {
		return nil, err
	}
	if user.PublicMetrics == nil {
		return nil, &OperationError{Op: string(op), Arg: "username", Err: fmt.Errorf("user %q has no public metrics", username)}
	}
	return user.PublicMetrics, nil
}
