package domain

import (
	"fmt"

	. "github.com/go-ozzo/ozzo-validation"
	"github.com/shopspring/decimal"
)

const (
	sizeScoreScale = 2
	diversityScale = 4
)

type SizeGrade string

const (
	SizeGradeXS SizeGrade = "XS"
	SizeGradeS  SizeGrade = "S"
	SizeGradeM  SizeGrade = "M"
	SizeGradeL  SizeGrade = "L"
	SizeGradeXL SizeGrade = "XL"
)

var sizeGrades = [...]SizeGrade{SizeGradeXS, SizeGradeS, SizeGradeM, SizeGradeL, SizeGradeXL}

// SizeWeight holds the per-unit multipliers used to compute a size score.
type SizeWeight struct {
	Addition decimal.Decimal
	Deletion decimal.Decimal
	File     decimal.Decimal
}

func DefaultSizeWeight() SizeWeight {
	return SizeWeight{
		Addition: decimal.NewFromInt(1),
		Deletion: decimal.NewFromInt(1),
		File:     decimal.NewFromInt(1),
	}
}

// Validate rejects negative components and an all-zero weight, which would
// score every pull request 0.
func (w SizeWeight) Validate() error {
	err := ValidateStruct(&w,
		Field(&w.Addition, By(nonNegativeDecimal)),
		Field(&w.Deletion, By(nonNegativeDecimal)),
		Field(&w.File, By(nonNegativeDecimal)),
	)
	if err != nil {
		return validationError(err)
	}
	if w.Addition.IsZero() && w.Deletion.IsZero() && w.File.IsZero() {
		return fmt.Errorf("%w: at least one size weight must be positive", ErrValidation)
	}
	return nil
}

// SizeThresholds are the lower bounds of XS, S, M, L and XL, ascending.
type SizeThresholds [len(sizeGrades)]decimal.Decimal

func DefaultSizeThresholds() SizeThresholds {
	return SizeThresholds{
		decimal.NewFromInt(0),
		decimal.NewFromInt(30),
		decimal.NewFromInt(100),
		decimal.NewFromInt(300),
		decimal.NewFromInt(1000),
	}
}

func (t SizeThresholds) Validate() error {
	if !t[0].IsZero() {
		return fmt.Errorf("%w: lowest size threshold must be 0, got %s", ErrValidation, t[0])
	}
	for i := 1; i < len(t); i++ {
		if !t[i].GreaterThan(t[i-1]) {
			return fmt.Errorf("%w: size thresholds must be strictly ascending at %s", ErrValidation, sizeGrades[i])
		}
	}
	return nil
}

// Grade buckets score into [bound_i, bound_i+1); the top grade is open ended.
func (t SizeThresholds) Grade(score decimal.Decimal) SizeGrade {
	grade := sizeGrades[0]
	for i, bound := range t {
		if score.GreaterThanOrEqual(bound) {
			grade = sizeGrades[i]
		}
	}
	return grade
}

// FileChangeCounts counts changed files by change type.
type FileChangeCounts struct {
	Added    int
	Modified int
	Deleted  int
	Renamed  int
}

func (c FileChangeCounts) Total() int {
	return c.Added + c.Modified + c.Deleted + c.Renamed
}

// Diversity is 1 - max/total, zero when nothing changed.
func (c FileChangeCounts) Diversity() decimal.Decimal {
	total := c.Total()
	if total == 0 {
		return decimal.Zero
	}
	maxCount := max(c.Added, c.Modified, c.Deleted, c.Renamed)
	ratio := decimal.NewFromInt(int64(maxCount)).DivRound(decimal.NewFromInt(int64(total)), diversityScale)
	return decimal.NewFromInt(1).Sub(ratio)
}

func ScoreSize(stats DiffStats, weight SizeWeight) decimal.Decimal {
	score := weight.Addition.Mul(decimal.NewFromInt(int64(stats.Additions))).
		Add(weight.Deletion.Mul(decimal.NewFromInt(int64(stats.Deletions)))).
		Add(weight.File.Mul(decimal.NewFromInt(int64(stats.ChangedFiles))))
	return score.Round(sizeScoreScale)
}

type PullRequestSize struct {
	ID                  int64
	PullRequestID       int64
	SizeScore           decimal.Decimal
	Weight              SizeWeight
	Grade               SizeGrade
	FileChangeDiversity decimal.Decimal
	Stats               DiffStats
}

func NewPullRequestSize(pullRequestID int64, stats DiffStats, files FileChangeCounts, weight SizeWeight, thresholds SizeThresholds) (*PullRequestSize, error) {
	if pullRequestID <= 0 {
		return nil, fmt.Errorf("%w: pull request id is required", ErrValidation)
	}
	if err := validateStats(stats); err != nil {
		return nil, err
	}
	if err := validateFileCounts(files); err != nil {
		return nil, err
	}

	s := &PullRequestSize{
		PullRequestID:       pullRequestID,
		Stats:               stats,
		FileChangeDiversity: files.Diversity(),
	}
	if err := s.RecalculateWithWeight(weight, thresholds); err != nil {
		return nil, err
	}
	return s, nil
}

// RecalculateWithWeight re-derives score and grade from the stored raw counts.
func (s *PullRequestSize) RecalculateWithWeight(weight SizeWeight, thresholds SizeThresholds) error {
	if err := weight.Validate(); err != nil {
		return err
	}
	if err := thresholds.Validate(); err != nil {
		return err
	}

	s.Weight = weight
	s.SizeScore = ScoreSize(s.Stats, weight)
	s.Grade = thresholds.Grade(s.SizeScore)
	return nil
}

// ApplyDiffStats replaces raw counts with the latest diff and re-scores with
// the current weight.
func (s *PullRequestSize) ApplyDiffStats(stats DiffStats, files *FileChangeCounts, thresholds SizeThresholds) error {
	if err := validateStats(stats); err != nil {
		return err
	}
	if files != nil {
		if err := validateFileCounts(*files); err != nil {
			return err
		}
		s.FileChangeDiversity = files.Diversity()
	}
	s.Stats = stats
	return s.RecalculateWithWeight(s.Weight, thresholds)
}

func validateStats(stats DiffStats) error {
	return validationError(ValidateStruct(&stats,
		Field(&stats.Additions, Min(0)),
		Field(&stats.Deletions, Min(0)),
		Field(&stats.ChangedFiles, Min(0)),
	))
}

func validateFileCounts(c FileChangeCounts) error {
	return validationError(ValidateStruct(&c,
		Field(&c.Added, Min(0)),
		Field(&c.Modified, Min(0)),
		Field(&c.Deleted, Min(0)),
		Field(&c.Renamed, Min(0)),
	))
}

func nonNegativeDecimal(value interface{}) error {
	d, ok := value.(decimal.Decimal)
	if !ok {
		return fmt.Errorf("must be a decimal")
	}
	if d.IsNegative() {
		return fmt.Errorf("must not be negative")
	}
	return nil
}
