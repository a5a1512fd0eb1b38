package twitter

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
)

// ToolName is one of the operations the twitter tool exposes.
type ToolName string

const (
	ToolPostTweet                ToolName = "post_tweet"
	ToolGetAllReplies            ToolName = "get_all_replies"
	ToolReplyToTweet             ToolName = "reply_to_tweet"
	ToolGetFollowerCount         ToolName = "get_follower_count"
	ToolGetFollowingCount        ToolName = "get_following_count"
	ToolGetTweetEngagement       ToolName = "get_tweet_engagement"
	ToolEvaluateAccount          ToolName = "evaluate_account"
	ToolEvaluateCryptoInfluencer ToolName = "evaluate_crypto_influencer"
	ToolGeneratePersonaPrompt    ToolName = "generate_persona_prompt"
)

// ToolNames lists the catalogue in a stable order.
var ToolNames = []ToolName{
	ToolPostTweet,
	ToolGetAllReplies,
	ToolReplyToTweet,
	ToolGetFollowerCount,
	ToolGetFollowingCount,
	ToolGetTweetEngagement,
	ToolEvaluateAccount,
	ToolEvaluateCryptoInfluencer,
	ToolGeneratePersonaPrompt,
}

var descriptions = map[ToolName]string{
	ToolPostTweet:                "Post a tweet after it passes content moderation",
	ToolGetAllReplies:            "Get all replies to a tweet (not supported yet)",
	ToolReplyToTweet:             "Reply to a tweet after the reply passes content moderation",
	ToolGetFollowerCount:         "Get the follower count of a user",
	ToolGetFollowingCount:        "Get the number of accounts a user follows",
	ToolGetTweetEngagement:       "Get engagement metrics of a tweet (not supported yet)",
	ToolEvaluateAccount:          "Evaluate a Twitter account and return a score",
	ToolEvaluateCryptoInfluencer: "Evaluate a Twitter account as a crypto influencer",
	ToolGeneratePersonaPrompt:    "Generate a prompt describing the voice and style of a user",
}

// ParseToolName resolves s against the catalogue.
func ParseToolName(s string) (ToolName, error) {
	for _, n := range ToolNames {
		if string(n) == s {
			return n, nil
		}
	}
	return "", &OperationError{Op: s, Err: ErrUnknownOperation}
}

// Description returns the human-readable summary of the operation.
func (n ToolName) Description() string { return descriptions[n] }

// JSONSchema renders the name as a string enum in reflected schemas.
func (ToolName) JSONSchema() *jsonschema.Schema {
	enum := make([]any, len(ToolNames))
	for i, n := range ToolNames {
		enum[i] = string(n)
	}
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "The name of the tool to run",
	}
}

// Args is the loosely-shaped argument bundle an agent sends to twitter_tool.
// Which optional fields matter depends on ToolName.
type Args struct {
	ToolName    ToolName `json:"tool_name"`
	Tweet       string   `json:"tweet,omitempty" jsonschema:"description=The content of the tweet"`
	TweetID     string   `json:"tweet_id,omitempty" jsonschema:"description=The ID of the tweet"`
	Username    string   `json:"username,omitempty" jsonschema:"description=The username of the user"`
	SearchQuery string   `json:"search_query,omitempty" jsonschema:"description=The search query to use"`
}

// Per-operation argument records. Each is validated before its operation runs.

type TweetArgs struct {
	Tweet string `json:"tweet" validate:"required" jsonschema:"description=The content of the tweet"`
}

type ReplyArgs struct {
	TweetID string `json:"tweet_id" validate:"required" jsonschema:"description=The ID of the tweet to reply to"`
	Tweet   string `json:"tweet" validate:"required" jsonschema:"description=The content of the reply"`
}

type TweetIDArgs struct {
	TweetID string `json:"tweet_id" validate:"required" jsonschema:"description=The ID of the tweet"`
}

type UsernameArgs struct {
	Username string `json:"username" validate:"required" jsonschema:"description=The username of the user"`
}

// argsFor returns an empty argument record for op, used for schema reflection.
func argsFor(op ToolName) any {
	switch op {
	case ToolPostTweet:
		return &TweetArgs{}
	case ToolReplyToTweet:
		return &ReplyArgs{}
	case ToolGetAllReplies, ToolGetTweetEngagement:
		return &TweetIDArgs{}
	default:
		return &UsernameArgs{}
	}
}

// ParseArgs builds an Args bundle from a raw parameter map. Numeric IDs are
// accepted and rendered as decimal strings.
func ParseArgs(name string, params map[string]any) (Args, error) {
	op, err := ParseToolName(name)
	if err != nil {
		return Args{}, err
	}
	args := Args{ToolName: op}
	for key, dst := range map[string]*string{
		"tweet":        &args.Tweet,
		"tweet_id":     &args.TweetID,
		"username":     &args.Username,
		"search_query": &args.SearchQuery,
	} {
		v, err := stringParam(params, key)
		if err != nil {
			return Args{}, &OperationError{Op: name, Arg: key, Err: err}
		}
		*dst = v
	}
	return args, nil
}

func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case json.Number:
		return v.String(), nil
	}
	return "", fmt.Errorf("%w: expected string, got %T", ErrInvalidArgument, raw)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bind validates a per-operation argument record.
func bind[T any](op ToolName, args T) (T, error) {
	err := validate.Struct(args)
	if err == nil {
		return args, nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return args, &OperationError{
			Op:  string(op),
			Arg: verrs[0].Field(),
			Err: fmt.Errorf("%w: %s", ErrInvalidArgument, verrs[0].Tag()),
		}
	}
	return args, opError(op, fmt.Errorf("%w: %v", ErrInvalidArgument, err))
}

// schemaOf reflects v into a JSON Schema map suitable for tool definitions.
func schemaOf(v any) map[string]any {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	data, err := json.Marshal(r.Reflect(v))
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(m, "$schema")
	delete(m, "$id")
	return m
}
