package twitter

import (
	"context"
	"errors"

	"github.com/talos-agent/talos/pkg/protocol"
)

type fakeClient struct {
	posts   []string
	replies [][2]string
	lookups []string
	users   map[string]*User
	postErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{users: map[string]*User{
		"alice": {ID: "1", Username: "alice", PublicMetrics: &PublicMetrics{FollowersCount: 1234, FollowingCount: 56}},
		"bob":   {ID: "2", Username: "bob", PublicMetrics: &PublicMetrics{FollowersCount: 10, FollowingCount: 20}},
		"carol": {ID: "3", Username: "carol", PublicMetrics: &PublicMetrics{FollowersCount: 99000, FollowingCount: 300}},
		"ghost": {ID: "4", Username: "ghost"},
	}}
}

func (c *fakeClient) PostTweet(_ context.Context, text string) error {
	if c.postErr != nil {
		return c.postErr
	}
	c.posts = append(c.posts, text)
	return nil
}

func (c *fakeClient) ReplyToTweet(_ context.Context, tweetID, text string) error {
	if c.postErr != nil {
		return c.postErr
	}
	c.replies = append(c.replies, [2]string{tweetID, text})
	return nil
}

func (c *fakeClient) GetUser(_ context.Context, username string) (*User, error) {
	c.lookups = append(c.lookups, username)
	u, ok := c.users[username]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func (c *fakeClient) calls() int { return len(c.posts) + len(c.replies) + len(c.lookups) }

type fakeModerator struct {
	score float64
	err   error
	calls int
}

func (m *fakeModerator) Toxicity(_ context.Context, _ string) (float64, error) {
	m.calls++
	return m.score, m.err
}

type fakeEvaluator struct {
	result *protocol.EvaluationResult
	err    error
	seen   []*User
}

func (e *fakeEvaluator) Evaluate(_ context.Context, user *User) (*protocol.EvaluationResult, error) {
	e.seen = append(e.seen, user)
	return e.result, e.err
}

type fakePersona struct {
	report string
	calls  int
}

func (p *fakePersona) Run(_ context.Context, username string) (*PersonaResponse, error) {
	p.calls++
	return &PersonaResponse{Report: p.report + " @" + username}, nil
}
