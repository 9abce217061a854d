package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/internal/report"
)

const indexHTML = `<html><head><title>Acme</title></head><body>
<a href="/sustainability">Our sustainability commitments</a>
<p>Acme builds industrial widgets for forty countries. Our mission is to
deliver durable goods while cutting the footprint of every factory we run.
This page introduces our product lines and our environmental programs in
enough detail to be staged for analysis.</p>
</body></html>`

const sustainabilityHTML = `<html><head><title>Sustainability</title></head><body>
<p>We are proud to be carbon neutral since 2023 across all operations. All
of our packaging is 100% recyclable and we divert ninety percent of our
factory waste from landfill. Our facilities run on renewable power wherever
grid contracts allow, and we publish progress updates every quarter.</p>
</body></html>`

const aboutHTML = `<html><body><p>Acme Example has made widgets since 1962
from three plants in the Midwest, employing two thousand people and
shipping to industrial customers worldwide.</p></body></html>`

const extractionResponse = `{"claims":[
{"claim":"We are carbon neutral since 2023","evaluation":"No third-party offset audit is cited","category":"environmental","evidence":"UNSUPPORTED","impact":"EXAGGERATED","date_context":"2023","recommendations":["Publish the offset audit"]},
{"claim":"All packaging is 100% recyclable","evaluation":"Only 60% of packaging lines are verified recyclable","category":"product","evidence":"MISLEADING","impact":"DECEPTIVE","date_context":"current","recommendations":["Correct the packaging figure"]}
]}`

const keepVerdict = `{"defunct": false, "reason": "claims are distinct"}`

func TestPipeline_EndToEnd(t *testing.T) {
	env := newTestEnv(t, newTestConfig())
	env.fetcher.add("https://acme.example", indexHTML)
	env.fetcher.add("https://acme.example/sustainability", sustainabilityHTML)
	env.fetcher.add("https://acme.example/about", aboutHTML)
	env.assistant.extractionJSON = extractionResponse
	env.assistant.supersessionJSON = keepVerdict

	company, rep := env.newCompanyAndReport(t, "acme.example", nil)

	ctx := context.Background()
	require.NoError(t, env.pipeline.StartReport(ctx, rep.ID))
	env.drain(t)

	final, err := env.store.GetReport(ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusProcessed, final.Status)
	assert.NotEmpty(t, final.OutputKey)
	assert.Contains(t, final.OutputURL, "token=")

	// Both crawled pages staged and processed.
	counts, err := env.store.CountStagingByStatus(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[model.StatusProcessed])
	assert.Zero(t, counts[model.StatusPending])
	assert.Zero(t, counts[model.StatusFailed])

	// Two claims per page, all resolved and kept.
	stats, err := env.store.ListStatistics(ctx, company.ID, false)
	require.NoError(t, err)
	require.Len(t, stats, 4)
	for _, stat := range stats {
		assert.Equal(t, model.StatusProcessed, stat.Status)
		assert.False(t, stat.Defunct)
		assert.Greater(t, stat.Score, 0.0)
	}

	// About summary stored once.
	refreshed, err := env.store.GetCompany(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://acme.example/about", refreshed.AboutURL)
	assert.Equal(t, "Summarized.", refreshed.AboutSummary)

	// The published workbook is a readable four-sheet file.
	rc, err := env.storage.Get(ctx, final.OutputKey)
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	wb, err := xlsx.OpenBinary(raw)
	require.NoError(t, err)
	require.Len(t, wb.Sheets, 4)
	assert.Equal(t, report.SheetDetailed, wb.Sheets[0].Name)
	// Header plus one row per claim.
	assert.Len(t, wb.Sheets[0].Rows, 5)
	// Every claim row carries the page it was extracted from.
	for _, row := range wb.Sheets[0].Rows[1:] {
		assert.True(t, strings.HasPrefix(row.Cells[9].String(), "https://acme.example"),
			"source url %q", row.Cells[9].String())
	}
}

func TestStartReport_SkipsCrawlWhenFresh(t *testing.T) {
	env := newTestEnv(t, newTestConfig())
	ctx := context.Background()
	company, rep := env.newCompanyAndReport(t, "fresh.example", nil)

	for i := 0; i < 11; i++ {
		_, _, err := env.store.CreateStagingIfAbsent(ctx, company.ID,
			"https://fresh.example/page-"+string(rune('a'+i)), "staged text")
		require.NoError(t, err)
	}

	payload, err := json.Marshal(reportPayload{ReportID: rep.ID})
	require.NoError(t, err)
	require.NoError(t, env.pipeline.handleStartReport(ctx, &model.Job{Payload: payload}))

	// after_scrape queued, no crawl.
	job, err := env.store.DequeueJob(ctx, model.QueueGeneral, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.JobAfterScrape, job.Kind)

	crawlJob, err := env.store.DequeueJob(ctx, model.QueueScraping, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, crawlJob)
}

func TestStartReport_CancelsPendingSiblings(t *testing.T) {
	env := newTestEnv(t, newTestConfig())
	ctx := context.Background()
	company, older := env.newCompanyAndReport(t, "siblings.example", nil)
	newer, err := env.store.CreateReport(ctx, company.ID, "user-1", nil)
	require.NoError(t, err)

	payload, err := json.Marshal(reportPayload{ReportID: newer.ID})
	require.NoError(t, err)
	require.NoError(t, env.pipeline.handleStartReport(ctx, &model.Job{Payload: payload}))

	got, err := env.store.GetReport(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusCancelled, got.Status)

	started, err := env.store.GetReport(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusProcessing, started.Status)
}

func TestProcessStaging_ProcessedRecordIsNoOp(t *testing.T) {
	env := newTestEnv(t, newTestConfig())
	ctx := context.Background()
	company, rep := env.newCompanyAndReport(t, "noop.example", nil)

	staging, _, err := env.store.CreateStagingIfAbsent(ctx, company.ID,
		"https://noop.example/page", "text")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateStagingStatus(ctx, staging.ID, model.StatusProcessed))

	payload, err := json.Marshal(recordPayload{ReportID: rep.ID, RecordID: staging.ID})
	require.NoError(t, err)
	job := &model.Job{Queue: model.QueuePreStaging, Kind: model.JobProcessStaging, Payload: payload}
	require.NoError(t, env.pipeline.handleProcessStaging(ctx, job))

	assert.Zero(t, env.assistant.runs())
}

func TestProcessStaging_AdmissionGateDefers(t *testing.T) {
	env := newTestEnv(t, newTestConfig())
	ctx := context.Background()
	company, rep := env.newCompanyAndReport(t, "gated.example", nil)

	// Saturate the global gate with other in-flight records.
	other, err := env.store.EnsureCompany(ctx, "Other", "other.example")
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		row, _, err := env.store.CreateStagingIfAbsent(ctx, other.ID,
			"https://other.example/p"+string(rune('a'+i)), "text")
		require.NoError(t, err)
		require.NoError(t, env.store.UpdateStagingStatus(ctx, row.ID, model.StatusProcessing))
	}

	staging, _, err := env.store.CreateStagingIfAbsent(ctx, company.ID,
		"https://gated.example/page", "text")
	require.NoError(t, err)

	payload, err := json.Marshal(recordPayload{ReportID: rep.ID, RecordID: staging.ID})
	require.NoError(t, err)
	job := &model.Job{Queue: model.QueuePreStaging, Kind: model.JobProcessStaging, Payload: payload}
	require.NoError(t, env.pipeline.handleProcessStaging(ctx, job))

	// Record untouched, no LLM call, job requeued for later.
	got, err := env.store.GetStaging(ctx, staging.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, env.assistant.runs())
}

func TestProcessStaging_MarksFailedOnUnparseableClaims(t *testing.T) {
	env := newTestEnv(t, newTestConfig())
	ctx := context.Background()
	company, rep := env.newCompanyAndReport(t, "badjson.example", nil)
	env.assistant.extractionJSON = "sorry, I cannot help with that"

	staging, _, err := env.store.CreateStagingIfAbsent(ctx, company.ID,
		"https://badjson.example/page", "text")
	require.NoError(t, err)

	payload, err := json.Marshal(recordPayload{ReportID: rep.ID, RecordID: staging.ID})
	require.NoError(t, err)
	job := &model.Job{Queue: model.QueuePreStaging, Kind: model.JobProcessStaging, Payload: payload}
	err = env.pipeline.handleProcessStaging(ctx, job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no parseable claims")

	got, err := env.store.GetStaging(ctx, staging.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
}

func TestProcessStaging_SkipsClaimsWithoutEvaluation(t *testing.T) {
	env := newTestEnv(t, newTestConfig())
	ctx := context.Background()
	company, rep := env.newCompanyAndReport(t, "empty-eval.example", nil)
	env.assistant.extractionJSON = `{"claims":[
		{"claim":"We are green","evaluation":"","category":"general"},
		{"claim":"Zero waste by 2030","evaluation":"No interim milestones published","category":"environmental","evidence":"VAGUE","impact":"INFLATED"}
	]}`

	staging, _, err := env.store.CreateStagingIfAbsent(ctx, company.ID,
		"https://empty-eval.example/page", "text")
	require.NoError(t, err)

	payload, err := json.Marshal(recordPayload{ReportID: rep.ID, RecordID: staging.ID})
	require.NoError(t, err)
	job := &model.Job{Queue: model.QueuePreStaging, Kind: model.JobProcessStaging, Payload: payload}
	require.NoError(t, env.pipeline.handleProcessStaging(ctx, job))

	stats, err := env.store.ListStatistics(ctx, company.ID, true)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, "Zero waste by 2030", stats[0].Claim)
}

func TestScopedReport_DefunctsOutOfScopeStaging(t *testing.T) {
	cfg := newTestConfig()
	cfg.Pipeline.RescrapeWindowHours = 0 // everything counts as stale
	env := newTestEnv(t, cfg)
	ctx := context.Background()

	company, err := env.store.EnsureCompany(ctx, "Scoped", "scoped.example")
	require.NoError(t, err)
	inScope, _, err := env.store.CreateStagingIfAbsent(ctx, company.ID,
		"https://scoped.example/keep", "kept text")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateStagingStatus(ctx, inScope.ID, model.StatusProcessed))
	outOfScope, _, err := env.store.CreateStagingIfAbsent(ctx, company.ID,
		"https://scoped.example/drop", "dropped text")
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateStagingStatus(ctx, outOfScope.ID, model.StatusProcessed))

	rep, err := env.store.CreateReport(ctx, company.ID, "user-1",
		[]string{"https://scoped.example/keep"})
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateReportStatus(ctx, rep.ID, model.ReportStatusProcessing))

	payload, err := json.Marshal(reportPayload{ReportID: rep.ID})
	require.NoError(t, err)
	require.NoError(t, env.pipeline.handleAfterScrape(ctx, &model.Job{Payload: payload}))

	// Out-of-scope row defuncted, in-scope stale row re-pended.
	counts, err := env.store.CountStagingByStatus(ctx, company.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusPending])
	assert.Zero(t, counts[model.StatusProcessed])

	kept, err := env.store.GetStaging(ctx, inScope.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, kept.Status)
	assert.False(t, kept.Defunct)

	dropped, err := env.store.GetStaging(ctx, outOfScope.ID)
	require.NoError(t, err)
	assert.True(t, dropped.Defunct)
}

func TestAssemble_EmptyStatisticsStillProduces(t *testing.T) {
	env := newTestEnv(t, newTestConfig())
	ctx := context.Background()
	_, rep := env.newCompanyAndReport(t, "empty.example", nil)
	require.NoError(t, env.store.UpdateReportStatus(ctx, rep.ID, model.ReportStatusProcessing))

	payload, err := json.Marshal(reportPayload{ReportID: rep.ID})
	require.NoError(t, err)
	require.NoError(t, env.pipeline.handleAssembleReport(ctx, &model.Job{Payload: payload}))

	final, err := env.store.GetReport(ctx, rep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusProcessed, final.Status)
	assert.True(t, strings.HasSuffix(final.OutputKey, ".xlsx"))
}
