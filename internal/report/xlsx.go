package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/green-detective/detective/internal/model"
)

// Sheet names, in workbook order.
const (
	SheetDetailed      = "Detailed Analysis"
	SheetExecutive     = "Executive Summary"
	SheetJustification = "Justification Analysis"
	SheetScoringRules  = "Scoring Rules"
)

// Fill colors for risk tiers.
const (
	fillHigh   = "FFFFC7CE"
	fillMedium = "FFFFEB9C"
	fillLow    = "FFC6EFCE"
)

// Build renders the four-sheet workbook. Statistics are written
// highest-score first so the riskiest claims lead. urls maps staging IDs
// to the page each claim was extracted from.
func Build(company *model.Company, stats []model.Statistic, urls map[string]string, summary Summary) ([]byte, error) {
	ordered := make([]model.Statistic, len(stats))
	copy(ordered, stats)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	f := xlsx.NewFile()
	if err := addDetailedSheet(f, ordered, urls); err != nil {
		return nil, err
	}
	if err := addExecutiveSheet(f, company, uniqueURLCount(ordered, urls), summary); err != nil {
		return nil, err
	}
	if err := addJustificationSheet(f, ordered); err != nil {
		return nil, err
	}
	if err := addScoringRulesSheet(f); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, eris.Wrap(err, "report: write workbook")
	}
	return buf.Bytes(), nil
}

func addDetailedSheet(f *xlsx.File, stats []model.Statistic, urls map[string]string) error {
	sheet, err := f.AddSheet(SheetDetailed)
	if err != nil {
		return eris.Wrap(err, "report: add detailed sheet")
	}

	headerRow(sheet, "Claim", "Category", "Score", "Risk Tier",
		"Evidence", "Impact", "Time Relevance", "Consistency", "Evaluation", "Source URL", "Recorded")

	for _, stat := range stats {
		tier := model.TierForScore(stat.Score)
		row := sheet.AddRow()
		row.AddCell().SetString(stat.Claim)
		row.AddCell().SetString(string(stat.Category))

		scoreCell := row.AddCell()
		scoreCell.SetFloatWithFormat(stat.Score, "0.00")
		scoreCell.SetStyle(tierStyle(tier))

		tierCell := row.AddCell()
		tierCell.SetString(string(tier))
		tierCell.SetStyle(tierStyle(tier))

		row.AddCell().SetFloatWithFormat(stat.Breakdown.Evidence, "0.00")
		row.AddCell().SetFloatWithFormat(stat.Breakdown.Impact, "0.00")
		row.AddCell().SetFloatWithFormat(stat.Breakdown.TimeRelevance, "0.00")
		row.AddCell().SetFloatWithFormat(stat.Breakdown.Consistency, "0.00")
		row.AddCell().SetString(stat.Evaluation)
		row.AddCell().SetString(urls[stat.PrimaryStagingID()])
		row.AddCell().SetString(stat.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// uniqueURLCount counts the distinct pages the statistics were drawn from.
func uniqueURLCount(stats []model.Statistic, urls map[string]string) int {
	seen := make(map[string]bool)
	for i := range stats {
		if u := urls[stats[i].PrimaryStagingID()]; u != "" {
			seen[u] = true
		}
	}
	return len(seen)
}

func addExecutiveSheet(f *xlsx.File, company *model.Company, urlCount int, summary Summary) error {
	sheet, err := f.AddSheet(SheetExecutive)
	if err != nil {
		return eris.Wrap(err, "report: add executive sheet")
	}

	labelValue(sheet, "Company", company.Name)
	labelValue(sheet, "Domain", company.Domain)
	labelValue(sheet, "About", company.AboutSummary)
	labelValue(sheet, "Claims Analyzed", fmt.Sprintf("%d", summary.Count))
	labelValue(sheet, "Unique URLs Analyzed", fmt.Sprintf("%d", urlCount))
	sheet.AddRow()

	row := sheet.AddRow()
	row.AddCell().SetString("Mean Score")
	cell := row.AddCell()
	cell.SetFloatWithFormat(summary.Mean, "0.00")
	cell.SetStyle(tierStyle(summary.Tier))
	row.AddCell().SetString(string(summary.Tier))

	labelFloat(sheet, "Median Score", summary.Median)
	labelFloat(sheet, "Std Deviation", summary.StdDev)
	labelFloat(sheet, "90th Percentile", summary.P90)
	sheet.AddRow()

	if summary.Narrative != "" {
		labelValue(sheet, "Narrative", summary.Narrative)
		sheet.AddRow()
	}

	headerRow(sheet, "Category", "Claims", "Mean Score")
	for _, cat := range orderedCategories(summary.Categories) {
		cs := summary.Categories[cat]
		row := sheet.AddRow()
		row.AddCell().SetString(string(cat))
		row.AddCell().SetInt(cs.Count)
		row.AddCell().SetFloatWithFormat(cs.Mean, "0.00")
	}
	sheet.AddRow()

	headerRow(sheet, "Week Of", "Claims", "Mean Score")
	for _, week := range summary.Weekly {
		row := sheet.AddRow()
		row.AddCell().SetString(week.WeekStart.Format("2006-01-02"))
		row.AddCell().SetInt(week.Count)
		row.AddCell().SetFloatWithFormat(week.Mean, "0.00")
	}
	sheet.AddRow()

	headerRow(sheet, "Top Recommendations")
	for _, rec := range summary.Recommendations {
		sheet.AddRow().AddCell().SetString(rec)
	}
	return nil
}

func addJustificationSheet(f *xlsx.File, stats []model.Statistic) error {
	sheet, err := f.AddSheet(SheetJustification)
	if err != nil {
		return eris.Wrap(err, "report: add justification sheet")
	}

	headerRow(sheet, "Claim", "Evidence Grade", "Impact Grade",
		"Time Context", "Consistency Analysis", "Recommendations")

	for _, stat := range stats {
		row := sheet.AddRow()
		row.AddCell().SetString(stat.Claim)
		row.AddCell().SetString(stat.Justification.Evidence)
		row.AddCell().SetString(stat.Justification.Impact)
		row.AddCell().SetString(stat.Justification.TimeContext.Explanation)
		row.AddCell().SetString(stat.Justification.Consistency.Explanation)
		row.AddCell().SetString(strings.Join(stat.Recommendations, "; "))
	}
	return nil
}

// addScoringRulesSheet documents the rubric so a reader can audit any
// score by hand.
func addScoringRulesSheet(f *xlsx.File) error {
	sheet, err := f.AddSheet(SheetScoringRules)
	if err != nil {
		return eris.Wrap(err, "report: add scoring rules sheet")
	}

	headerRow(sheet, "Component", "Weight", "Scale")
	rules := [][3]string{
		{"Evidence", "1.75", "0 verified ... 4 deliberately misleading"},
		{"Impact", "1.50", "0 accurate ... 4 deceptive or overstated"},
		{"Time Relevance", "0.75", "0-1, newer claims score higher"},
		{"Consistency", "0.75", "0-1, contradiction with other claims scores low"},
	}
	for _, rule := range rules {
		row := sheet.AddRow()
		row.AddCell().SetString(rule[0])
		row.AddCell().SetString(rule[1])
		row.AddCell().SetString(rule[2])
	}
	sheet.AddRow()

	labelValue(sheet, "Total", "sum of weighted components / 14.5 x 10, capped at 10")
	labelValue(sheet, string(model.RiskLow), "score below 4")
	labelValue(sheet, string(model.RiskMedium), "score 4 to below 7")
	labelValue(sheet, string(model.RiskHigh), "score 7 and above")
	return nil
}

func headerRow(sheet *xlsx.Sheet, titles ...string) {
	style := xlsx.NewStyle()
	style.Font.Bold = true
	style.ApplyFont = true

	row := sheet.AddRow()
	for _, title := range titles {
		cell := row.AddCell()
		cell.SetString(title)
		cell.SetStyle(style)
	}
}

func labelValue(sheet *xlsx.Sheet, label, value string) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetString(value)
}

func labelFloat(sheet *xlsx.Sheet, label string, value float64) {
	row := sheet.AddRow()
	row.AddCell().SetString(label)
	row.AddCell().SetFloatWithFormat(value, "0.00")
}

func tierStyle(tier model.RiskTier) *xlsx.Style {
	color := fillLow
	switch tier {
	case model.RiskHigh:
		color = fillHigh
	case model.RiskMedium:
		color = fillMedium
	}
	style := xlsx.NewStyle()
	style.Fill = *xlsx.NewFill("solid", color, color)
	style.ApplyFill = true
	return style
}

func orderedCategories(categories map[model.ClaimCategory]CategoryStats) []model.ClaimCategory {
	out := make([]model.ClaimCategory, 0, len(categories))
	for cat := range categories {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
