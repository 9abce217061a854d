package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/green-detective/detective/internal/model"
)

func statWith(score float64, category model.ClaimCategory, created time.Time) model.Statistic {
	return model.Statistic{
		Claim:     "claim",
		Score:     score,
		Category:  category,
		CreatedAt: created,
	}
}

func TestAggregate_Empty(t *testing.T) {
	s := Aggregate(nil)
	assert.Zero(t, s.Count)
	assert.Zero(t, s.Mean)
	assert.Equal(t, model.RiskLow, s.Tier)
	assert.Empty(t, s.Weekly)
}

func TestAggregate_Numbers(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // a Wednesday
	stats := []model.Statistic{
		statWith(2, model.CategoryEnvironmental, now),
		statWith(4, model.CategoryEnvironmental, now),
		statWith(6, model.CategorySocial, now),
		statWith(8, model.CategorySocial, now),
	}

	s := Aggregate(stats)
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 5.0, s.Mean, 1e-9)
	assert.InDelta(t, 5.0, s.Median, 1e-9)
	assert.InDelta(t, 8.0, s.P90, 1e-9)
	assert.InDelta(t, 2.236, s.StdDev, 0.001)
	assert.Equal(t, model.RiskMedium, s.Tier)

	require.Len(t, s.Categories, 2)
	assert.Equal(t, 2, s.Categories[model.CategoryEnvironmental].Count)
	assert.InDelta(t, 3.0, s.Categories[model.CategoryEnvironmental].Mean, 1e-9)
	assert.InDelta(t, 7.0, s.Categories[model.CategorySocial].Mean, 1e-9)
}

func TestAggregate_WeeklyBucketsByMonday(t *testing.T) {
	week1 := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)  // Monday
	week1b := time.Date(2026, 2, 8, 9, 0, 0, 0, time.UTC) // Sunday, same ISO week
	week2 := time.Date(2026, 2, 9, 9, 0, 0, 0, time.UTC)  // next Monday

	s := Aggregate([]model.Statistic{
		statWith(2, model.CategoryGeneral, week1),
		statWith(4, model.CategoryGeneral, week1b),
		statWith(9, model.CategoryGeneral, week2),
	})

	require.Len(t, s.Weekly, 2)
	assert.Equal(t, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC), s.Weekly[0].WeekStart)
	assert.Equal(t, 2, s.Weekly[0].Count)
	assert.InDelta(t, 3.0, s.Weekly[0].Mean, 1e-9)
	assert.Equal(t, time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC), s.Weekly[1].WeekStart)
	assert.Equal(t, 1, s.Weekly[1].Count)
}

func TestAggregate_SingleClaim(t *testing.T) {
	s := Aggregate([]model.Statistic{statWith(7.5, model.CategoryProduct, time.Now().UTC())})
	assert.InDelta(t, 7.5, s.Mean, 1e-9)
	assert.InDelta(t, 7.5, s.Median, 1e-9)
	assert.InDelta(t, 7.5, s.P90, 1e-9)
	assert.Zero(t, s.StdDev)
	assert.Equal(t, model.RiskHigh, s.Tier)
}

func TestPercentile_NearestRank(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.InDelta(t, 9.0, percentile(sorted, 0.9), 1e-9)
	assert.InDelta(t, 5.0, percentile(sorted, 0.5), 1e-9)
	assert.InDelta(t, 1.0, percentile(sorted, 0.0), 1e-9)
}
