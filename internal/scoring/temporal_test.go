package scoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func TestTimeRelevanceExactDates(t *testing.T) {
	cases := []struct {
		yearsAgo int
		want     float64
	}{
		{0, 1.0}, {1, 0.8}, {2, 0.6}, {3, 0.4}, {4, 0.2}, {5, 0.2}, {6, 0.0}, {9, 0.0},
	}
	for _, tc := range cases {
		date := testNow.AddDate(-tc.yearsAgo, 0, -1).Format("2006-01-02")
		got, _ := timeRelevanceAt(date, testNow)
		assert.Equal(t, tc.want, got, "date %s (%dy ago)", date, tc.yearsAgo)
	}
}

func TestTimeRelevanceMonotonic(t *testing.T) {
	prev := 1.1
	for years := 0; years <= 8; years++ {
		score, _ := scoreFromYears(years)
		assert.LessOrEqual(t, score, prev, "score must not increase at %dy", years)
		prev = score
	}
}

func TestTimeRelevanceCues(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"our ongoing commitment to sustainability", 1.0},
		{"we reduced emissions last year", 0.8},
		{"two years ago we switched suppliers", 0.6},
		{"three years ago", 0.4},
		{"five years ago we began", 0.2},
		{"we will reach net zero by 2040", 1.0},
		{"our recent solar installation", 0.9},
		{"previously we used diesel generators", 0.3},
		{"in Q3 we audited our supply chain", 0.9},
		{"sustainability matters to us", 0.1},
	}
	for _, tc := range cases {
		got, _ := timeRelevanceAt(tc.text, testNow)
		assert.Equal(t, tc.want, got, "text %q", tc.text)
	}
}

func TestTimeRelevanceBareYear(t *testing.T) {
	lastYear := fmt.Sprintf("in %d we cut water usage by half", testNow.Year()-1)
	got, label := timeRelevanceAt(lastYear, testNow)
	assert.Equal(t, 0.8, got)
	assert.Equal(t, "Last year", label)
}

func TestTimeRelevanceEmpty(t *testing.T) {
	got, expl := timeRelevanceAt("", testNow)
	assert.Equal(t, 0.0, got)
	assert.Equal(t, "No time reference provided", expl)
}
