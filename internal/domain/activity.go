package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	commentDensityScale         = 6
	significantChangeLines      = 10
	highCommentDensityThreshold = "0.1"
)

var highCommentDensity = decimal.RequireFromString(highCommentDensityThreshold)

type ReviewActivity struct {
	ID                       int64
	PullRequestID            int64
	ReviewRoundTrips         int
	TotalCommentCount        int
	CommentDensity           decimal.Decimal
	CodeAdditionsAfterReview int
	CodeDeletionsAfterReview int
	AdditionalReviewerCount  int
	HasAdditionalReviewers   bool
	TotalAdditions           int
	TotalDeletions           int
}

func NewReviewActivity(pullRequestID int64, totalAdditions, totalDeletions int) (*ReviewActivity, error) {
	if pullRequestID <= 0 {
		return nil, fmt.Errorf("%w: pull request id is required", ErrValidation)
	}
	if totalAdditions < 0 || totalDeletions < 0 {
		return nil, fmt.Errorf("%w: negative diff totals", ErrValidation)
	}

	return &ReviewActivity{
		PullRequestID:  pullRequestID,
		CommentDensity: decimal.Zero,
		TotalAdditions: totalAdditions,
		TotalDeletions: totalDeletions,
	}, nil
}

func (a *ReviewActivity) RecordReview(newComments int) error {
	if newComments < 0 {
		return fmt.Errorf("%w: negative comment count", ErrValidation)
	}
	a.ReviewRoundTrips++
	a.TotalCommentCount += newComments
	a.recomputeDensity()
	return nil
}

// RecordCodePush accumulates churn pushed after review started. It reports
// whether the push counted.
func (a *ReviewActivity) RecordCodePush(additions, deletions int) (bool, error) {
	if additions < 0 || deletions < 0 {
		return false, fmt.Errorf("%w: negative push stats", ErrValidation)
	}
	if !a.HasReviewActivity() {
		return false, nil
	}
	a.CodeAdditionsAfterReview += additions
	a.CodeDeletionsAfterReview += deletions
	return true, nil
}

func (a *ReviewActivity) RecordAdditionalReviewer() {
	a.AdditionalReviewerCount++
	a.HasAdditionalReviewers = true
}

// UpdateTotals overwrites the diff totals, e.g. after a force push.
func (a *ReviewActivity) UpdateTotals(totalAdditions, totalDeletions int) error {
	if totalAdditions < 0 || totalDeletions < 0 {
		return fmt.Errorf("%w: negative diff totals", ErrValidation)
	}
	a.TotalAdditions = totalAdditions
	a.TotalDeletions = totalDeletions
	a.recomputeDensity()
	return nil
}

func (a *ReviewActivity) HasReviewActivity() bool {
	return a.ReviewRoundTrips > 0
}

func (a *ReviewActivity) HasHighCommentDensity() bool {
	return a.CommentDensity.GreaterThanOrEqual(highCommentDensity)
}

func (a *ReviewActivity) HasSignificantChangesAfterReview() bool {
	return a.CodeAdditionsAfterReview+a.CodeDeletionsAfterReview >= significantChangeLines
}

func (a *ReviewActivity) recomputeDensity() {
	a.CommentDensity = CommentDensity(a.TotalCommentCount, a.TotalAdditions+a.TotalDeletions)
}

// CommentDensity is comments per changed line at six decimal places, half up.
func CommentDensity(comments, changedLines int) decimal.Decimal {
	if changedLines == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(comments)).DivRound(decimal.NewFromInt(int64(changedLines)), commentDensityScale)
}
