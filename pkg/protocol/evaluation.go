package protocol

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// EvaluationResult is produced by account and influencer evaluators. The
// protocol only carries it; scoring happens elsewhere.
type EvaluationResult struct {
	Score          float64        `json:"score"`
	Explanation    string         `json:"explanation,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// TwitterSentimentResponse is the payload of a sentiment analysis run.
type TwitterSentimentResponse struct {
	Answers []string `json:"answers"`
	// Score is between 0 and 100.
	Score *float64 `json:"score,omitempty" validate:"omitempty,min=0,max=100"`
}

// Validate checks the score range.
func (r *TwitterSentimentResponse) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("sentiment response: %w", err)
	}
	return nil
}

// Recommendation is the verdict of a pull request review.
type Recommendation string

const (
	RecommendApprove        Recommendation = "APPROVE"
	RecommendComment        Recommendation = "COMMENT"
	RecommendRequestChanges Recommendation = "REQUEST_CHANGES"
)

// PRReviewResponse is the payload of a pull request review run.
type PRReviewResponse struct {
	Answers        []string       `json:"answers"`
	SecurityScore  *float64       `json:"security_score,omitempty" validate:"omitempty,min=0,max=100"`
	QualityScore   *float64       `json:"quality_score,omitempty" validate:"omitempty,min=0,max=100"`
	Recommendation Recommendation `json:"recommendation,omitempty" validate:"omitempty,oneof=APPROVE COMMENT REQUEST_CHANGES"`
	Reasoning      string         `json:"reasoning,omitempty"`
}

// Validate checks score ranges and the recommendation tag.
func (r *PRReviewResponse) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("pr review response: %w", err)
	}
	return nil
}
