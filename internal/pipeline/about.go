package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
)

// aboutCandidatePaths are tried in order when looking for a company
// description page.
var aboutCandidatePaths = []string{"/about", "/about-us", "/company", "/sustainability"}

const aboutSummaryPrompt = `Summarize what this company does in at most 300 characters.
Write one plain sentence, no markdown, no preamble.`

const aboutSummaryMaxChars = 300

// ensureAboutSummary scrapes the first reachable about-page candidate and
// stores a short summary on the company. Runs once; subsequent reports for
// the company reuse the stored summary.
func (p *Pipeline) ensureAboutSummary(ctx context.Context, company *model.Company) error {
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("company", company.Domain),
	)

	aboutURL, raw := p.fetchAboutPage(ctx, company.Domain)
	if raw == "" {
		return eris.Errorf("pipeline: no about page found for %s", company.Domain)
	}

	summary, err := p.summarizer.Complete(ctx, aboutSummaryPrompt, raw)
	if err != nil {
		return eris.Wrap(err, "pipeline: summarize about page")
	}
	if len(summary) > aboutSummaryMaxChars {
		summary = summary[:aboutSummaryMaxChars]
	}

	if err := p.store.UpdateCompanyAbout(ctx, company.ID, aboutURL, raw, summary); err != nil {
		return err
	}
	company.AboutURL = aboutURL
	company.AboutSummary = summary
	log.Info("stored company about summary", zap.String("about_url", aboutURL))
	return nil
}

// fetchAboutPage tries each candidate path and returns the first that
// yields extractable text.
func (p *Pipeline) fetchAboutPage(ctx context.Context, domain string) (string, string) {
	for _, path := range aboutCandidatePaths {
		target := "https://" + domain + path
		page, err := p.fetcher.Fetch(ctx, target)
		if err != nil {
			continue
		}
		chunks := p.extractor.Extract(ctx, page.URL, page.Body, page.ContentType)
		if len(chunks) == 0 {
			continue
		}
		return target, chunks[0].Text
	}
	return "", ""
}
