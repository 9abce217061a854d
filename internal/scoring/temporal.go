package scoring

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// TimeRelevance scores how current a claim is, 0 (stale) to 1 (current).
// Exact dates are tried first; free text falls back to temporal cue
// phrases. The returned explanation feeds the justification record.
func TimeRelevance(dateOrText string) (float64, string) {
	return timeRelevanceAt(dateOrText, time.Now())
}

func timeRelevanceAt(dateOrText string, now time.Time) (float64, string) {
	s := strings.TrimSpace(dateOrText)
	if s == "" {
		return 0.0, "No time reference provided"
	}

	if d, err := dateparse.ParseAny(s); err == nil {
		return scoreFromYears(yearsAgo(d, now))
	}

	return temporalCueScore(s, now)
}

func yearsAgo(d, now time.Time) int {
	years := now.Year() - d.Year()
	// Whole years elapsed, not calendar-year difference.
	anniversary := d.AddDate(years, 0, 0)
	if anniversary.After(now) {
		years--
	}
	if years < 0 {
		years = 0
	}
	return years
}

func scoreFromYears(years int) (float64, string) {
	switch {
	case years == 0:
		return 1.0, "Current year"
	case years == 1:
		return 0.8, "Last year"
	case years == 2:
		return 0.6, "2 years ago"
	case years == 3:
		return 0.4, "3 years ago"
	case years <= 5:
		return 0.2, "4-5 years ago"
	}
	return 0.0, "Over 5 years ago"
}

type temporalCue struct {
	re    *regexp.Regexp
	score float64
	label string
}

var (
	yearRe    = regexp.MustCompile(`\b20\d\d\b`)
	seasonRe  = regexp.MustCompile(`\b(spring|summer|fall|autumn|winter|q[1-4])\b`)
	cueTables = []temporalCue{
		{regexp.MustCompile(`\b(current|ongoing|present|now|today|this year)\b`), 1.0, "Current/Ongoing"},
		{regexp.MustCompile(`\b(last year|previous year|a year ago)\b`), 0.8, "Last year"},
		{regexp.MustCompile(`\b(2 years ago|two years ago)\b`), 0.6, "2 years ago"},
		{regexp.MustCompile(`\b(3 years ago|three years ago)\b`), 0.4, "3 years ago"},
		{regexp.MustCompile(`\b(4|5|four|five) years ago\b`), 0.2, "4-5 years ago"},
		{regexp.MustCompile(`\b(will|plan|goal|target|commit|by 20\d\d)\b`), 1.0, "Future commitment"},
		{regexp.MustCompile(`\b(recent|latest|newly)\b`), 0.9, "Recent (unspecified)"},
		{regexp.MustCompile(`\b(previously|formerly|past|earlier)\b`), 0.3, "Past (unspecified)"},
	}
)

func temporalCueScore(text string, now time.Time) (float64, string) {
	lower := strings.ToLower(text)

	for _, cue := range cueTables {
		// Bare year references score by elapsed years, so check them ahead
		// of the future-commitment cue which would swallow "by 2030".
		if cue.label == "Future commitment" {
			if m := yearRe.FindString(lower); m != "" && !strings.Contains(lower, "by "+m) {
				y, _ := strconv.Atoi(m)
				return scoreFromYears(clampYears(now.Year() - y))
			}
		}
		if cue.re.MatchString(lower) {
			return cue.score, cue.label
		}
	}

	if m := yearRe.FindString(lower); m != "" {
		y, _ := strconv.Atoi(m)
		return scoreFromYears(clampYears(now.Year() - y))
	}

	if seasonRe.MatchString(lower) {
		return 0.9, "Within last year (season/quarter mentioned)"
	}

	return 0.1, "Unclear timeframe - assuming relatively recent"
}

func clampYears(y int) int {
	if y < 0 {
		return 0
	}
	return y
}
