// Package report aggregates scored claims and renders the deliverable
// workbook.
package report

import (
	"math"
	"sort"
	"time"

	"github.com/green-detective/detective/internal/model"
)

// Summary is the aggregate view of a company's scored claims. The numeric
// fields come from Aggregate; Recommendations and Narrative are filled by
// the caller.
type Summary struct {
	Count           int
	Mean            float64
	Median          float64
	StdDev          float64
	P90             float64
	Tier            model.RiskTier
	Categories      map[model.ClaimCategory]CategoryStats
	Weekly          []WeekBucket
	Recommendations []string
	Narrative       string
}

// CategoryStats is the per-category slice of the breakdown.
type CategoryStats struct {
	Count int
	Mean  float64
}

// WeekBucket is one week of claim activity, keyed by the Monday the week
// starts on.
type WeekBucket struct {
	WeekStart time.Time
	Count     int
	Mean      float64
}

// Aggregate computes the numeric summary for a set of statistics. Pure:
// same inputs always produce the same output.
func Aggregate(stats []model.Statistic) Summary {
	s := Summary{
		Count:      len(stats),
		Categories: make(map[model.ClaimCategory]CategoryStats),
	}
	if len(stats) == 0 {
		s.Tier = model.TierForScore(0)
		return s
	}

	scores := make([]float64, len(stats))
	weekly := make(map[time.Time][]float64)
	for i, stat := range stats {
		scores[i] = stat.Score

		cat := s.Categories[stat.Category]
		cat.Count++
		cat.Mean += stat.Score
		s.Categories[stat.Category] = cat

		week := weekStart(stat.CreatedAt)
		weekly[week] = append(weekly[week], stat.Score)
	}
	for cat, cs := range s.Categories {
		cs.Mean /= float64(cs.Count)
		s.Categories[cat] = cs
	}

	sort.Float64s(scores)
	s.Mean = mean(scores)
	s.Median = median(scores)
	s.StdDev = stddev(scores, s.Mean)
	s.P90 = percentile(scores, 0.9)
	s.Tier = model.TierForScore(s.Mean)

	weeks := make([]time.Time, 0, len(weekly))
	for w := range weekly {
		weeks = append(weeks, w)
	}
	sort.Slice(weeks, func(i, j int) bool { return weeks[i].Before(weeks[j]) })
	for _, w := range weeks {
		s.Weekly = append(s.Weekly, WeekBucket{
			WeekStart: w,
			Count:     len(weekly[w]),
			Mean:      mean(weekly[w]),
		})
	}
	return s
}

// weekStart truncates a time to the Monday of its ISO week, UTC.
func weekStart(t time.Time) time.Time {
	t = t.UTC().Truncate(24 * time.Hour)
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

func mean(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// median expects a sorted slice.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func stddev(vals []float64, mean float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(vals)))
}

// percentile uses the nearest-rank method on a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
