package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSizeScoring(t *testing.T) {
	stats := DiffStats{Additions: 100, Deletions: 50, ChangedFiles: 5}
	thresholds := DefaultSizeThresholds()

	size, err := NewPullRequestSize(1, stats, FileChangeCounts{Modified: 5}, DefaultSizeWeight(), thresholds)
	require.NoError(t, err)
	require.True(t, decimal.NewFromInt(155).Equal(size.SizeScore), size.SizeScore.String())
	require.Equal(t, SizeGradeM, size.Grade)

	heavy := SizeWeight{
		Addition: decimal.NewFromInt(2),
		Deletion: decimal.NewFromInt(1),
		File:     decimal.NewFromInt(10),
	}
	require.NoError(t, size.RecalculateWithWeight(heavy, thresholds))
	require.True(t, decimal.NewFromInt(300).Equal(size.SizeScore), size.SizeScore.String())
	require.Equal(t, SizeGradeL, size.Grade)
	require.Equal(t, stats, size.Stats)
	require.Equal(t, heavy, size.Weight)
}

func TestSizeGradeBoundaries(t *testing.T) {
	thresholds := DefaultSizeThresholds()

	tests := []struct {
		score string
		want  SizeGrade
	}{
		{"0", SizeGradeXS},
		{"29.99", SizeGradeXS},
		{"30", SizeGradeS},
		{"99.99", SizeGradeS},
		{"100", SizeGradeM},
		{"299.99", SizeGradeM},
		{"300", SizeGradeL},
		{"1000", SizeGradeXL},
		{"250000", SizeGradeXL},
	}

	for _, tt := range tests {
		t.Run(tt.score, func(t *testing.T) {
			require.Equal(t, tt.want, thresholds.Grade(decimal.RequireFromString(tt.score)))
		})
	}
}

func TestSizeScoreRoundsHalfUp(t *testing.T) {
	w := SizeWeight{
		Addition: decimal.RequireFromString("0.005"),
		Deletion: decimal.Zero,
		File:     decimal.Zero,
	}
	score := ScoreSize(DiffStats{Additions: 1}, w)
	require.Equal(t, "0.01", score.StringFixed(2))
}

func TestSizeWeightValidate(t *testing.T) {
	tests := []struct {
		name    string
		weight  SizeWeight
		wantErr bool
	}{
		{name: "default", weight: DefaultSizeWeight()},
		{name: "only files", weight: SizeWeight{File: decimal.NewFromInt(1)}},
		{name: "all zero", weight: SizeWeight{}, wantErr: true},
		{name: "negative", weight: SizeWeight{Addition: decimal.NewFromInt(-1), File: decimal.NewFromInt(1)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.weight.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSizeThresholdsValidate(t *testing.T) {
	require.NoError(t, DefaultSizeThresholds().Validate())

	notZero := DefaultSizeThresholds()
	notZero[0] = decimal.NewFromInt(1)
	require.ErrorIs(t, notZero.Validate(), ErrValidation)

	unordered := DefaultSizeThresholds()
	unordered[3] = unordered[2]
	require.ErrorIs(t, unordered.Validate(), ErrValidation)
}

func TestNewSizeRejectsNegativeStats(t *testing.T) {
	_, err := NewPullRequestSize(1, DiffStats{Additions: -1}, FileChangeCounts{}, DefaultSizeWeight(), DefaultSizeThresholds())
	require.ErrorIs(t, err, ErrValidation)
}

func TestFileChangeDiversity(t *testing.T) {
	tests := []struct {
		name   string
		counts FileChangeCounts
		want   string
	}{
		{"even", FileChangeCounts{2, 2, 2, 2}, "0.75"},
		{"single type", FileChangeCounts{10, 0, 0, 0}, "0"},
		{"empty", FileChangeCounts{}, "0"},
		{"skewed", FileChangeCounts{3, 1, 0, 0}, "0.25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.counts.Diversity()
			require.True(t, decimal.RequireFromString(tt.want).Equal(got), got.String())
		})
	}
}

func TestApplyDiffStatsKeepsWeight(t *testing.T) {
	w := SizeWeight{Addition: decimal.NewFromInt(2), Deletion: decimal.NewFromInt(1), File: decimal.NewFromInt(10)}
	size, err := NewPullRequestSize(1, DiffStats{Additions: 1}, FileChangeCounts{Added: 1}, w, DefaultSizeThresholds())
	require.NoError(t, err)
	require.Equal(t, SizeGradeXS, size.Grade)

	counts := FileChangeCounts{Added: 2, Modified: 2, Deleted: 2, Renamed: 2}
	require.NoError(t, size.ApplyDiffStats(DiffStats{Additions: 100, Deletions: 50, ChangedFiles: 5}, &counts, DefaultSizeThresholds()))
	require.True(t, decimal.NewFromInt(300).Equal(size.SizeScore))
	require.Equal(t, SizeGradeL, size.Grade)
	require.True(t, decimal.RequireFromString("0.75").Equal(size.FileChangeDiversity))
}
