package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/green-detective/detective/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestCompany(t *testing.T, st *SQLiteStore) *model.Company {
	t.Helper()
	c, err := st.EnsureCompany(context.Background(), "Acme", "acme.com")
	require.NoError(t, err)
	return c
}

// --- Companies ---

func TestSQLite_EnsureCompany_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.EnsureCompany(ctx, "Acme", "acme.com")
	require.NoError(t, err)
	second, err := st.EnsureCompany(ctx, "Acme Again", "acme.com")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Acme", second.Name)
}

func TestSQLite_UpdateCompanyAbout(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	err := st.UpdateCompanyAbout(ctx, c.ID, "https://acme.com/about", "raw text", "Acme makes widgets.")
	require.NoError(t, err)

	got, err := st.GetCompany(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://acme.com/about", got.AboutURL)
	assert.Equal(t, "Acme makes widgets.", got.AboutSummary)
}

func TestSQLite_GetCompany_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetCompany(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "company not found")
}

// --- Reports ---

func TestSQLite_Report_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	r, err := st.CreateReport(ctx, c.ID, "user-1", []string{"https://acme.com/esg"})
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusPending, r.Status)

	require.NoError(t, st.UpdateReportStatus(ctx, r.ID, model.ReportStatusProcessing))
	require.NoError(t, st.SetReportOutput(ctx, r.ID, "reports/x.xlsx", "https://files/x"))
	require.NoError(t, st.UpdateReportStatus(ctx, r.ID, model.ReportStatusProcessed))

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusProcessed, got.Status)
	assert.Equal(t, "reports/x.xlsx", got.OutputKey)
	assert.Equal(t, []string{"https://acme.com/esg"}, got.URLs)
}

func TestSQLite_CancelPendingReports_SparesNewReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	old1, err := st.CreateReport(ctx, c.ID, "", nil)
	require.NoError(t, err)
	old2, err := st.CreateReport(ctx, c.ID, "", nil)
	require.NoError(t, err)
	fresh, err := st.CreateReport(ctx, c.ID, "", nil)
	require.NoError(t, err)

	n, err := st.CancelPendingReports(ctx, c.ID, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{old1.ID, old2.ID} {
		got, err := st.GetReport(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.ReportStatusCancelled, got.Status)
	}
	got, err := st.GetReport(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusPending, got.Status)
}

func TestSQLite_IncrementReportRestarts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	r, err := st.CreateReport(ctx, c.ID, "", nil)
	require.NoError(t, err)

	n, err := st.IncrementReportRestarts(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = st.IncrementReportRestarts(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLite_FailStuckReports(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	r, err := st.CreateReport(ctx, c.ID, "", nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdateReportStatus(ctx, r.ID, model.ReportStatusProcessing))

	// Nothing is older than an hour yet.
	n, err := st.FailStuckReports(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Everything is older than a zero window.
	n, err = st.FailStuckReports(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusFailed, got.Status)
}

func TestSQLite_LatestReport(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	_, err := st.CreateReport(ctx, c.ID, "", nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := st.CreateReport(ctx, c.ID, "", nil)
	require.NoError(t, err)

	got, err := st.LatestReport(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

// --- Staging ---

func TestSQLite_CreateStagingIfAbsent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	first, created, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/esg", "page text")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusPending, first.Status)

	dup, created, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/esg", "other text")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, "page text", dup.Raw)
}

func TestSQLite_StagingStatusAndCounts(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	a, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)
	_, _, err = st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/b", "b")
	require.NoError(t, err)

	require.NoError(t, st.UpdateStagingStatus(ctx, a.ID, model.StatusProcessing))

	counts, err := st.CountStagingByStatus(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusPending])
	assert.Equal(t, 1, counts[model.StatusProcessing])

	n, err := st.CountProcessingStaging(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := st.ListStagingByStatus(ctx, c.ID, model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "https://acme.com/b", pending[0].URL)
}

func TestSQLite_MarkStagingDefunctOutside(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	keep, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/keep", "k")
	require.NoError(t, err)
	drop, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/drop", "d")
	require.NoError(t, err)

	ids, err := st.MarkStagingDefunctOutside(ctx, c.ID, []string{"https://acme.com/keep"})
	require.NoError(t, err)
	assert.Equal(t, []string{drop.ID}, ids)

	kept, err := st.GetStaging(ctx, keep.ID)
	require.NoError(t, err)
	assert.False(t, kept.Defunct)
	dropped, err := st.GetStaging(ctx, drop.ID)
	require.NoError(t, err)
	assert.True(t, dropped.Defunct)
}

func TestSQLite_ResetStaleStagingByURL(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	stale, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/stale", "s")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStagingStatus(ctx, stale.ID, model.StatusProcessed))

	// A zero window makes every matching row stale; the untouched URL
	// stays as-is.
	fresh, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/fresh", "f")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStagingStatus(ctx, fresh.ID, model.StatusProcessed))

	ids, err := st.ResetStaleStagingByURL(ctx, c.ID, []string{"https://acme.com/stale"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{stale.ID}, ids)

	got, err := st.GetStaging(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	untouched, err := st.GetStaging(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, untouched.Status)
}

func TestSQLite_ResetStaleStaging_FreshRowsUntouched(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	row, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStagingStatus(ctx, row.ID, model.StatusProcessed))

	ids, err := st.ResetStaleStaging(ctx, c.ID, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSQLite_ResetStaleStaging_RevivesDefunct(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	row, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/retired", "r")
	require.NoError(t, err)
	_, err = st.MarkStagingDefunctOutside(ctx, c.ID, []string{"https://acme.com/other"})
	require.NoError(t, err)

	// A full crawl revisits the whole domain, so the retired page comes back.
	ids, err := st.ResetStaleStaging(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, ids, row.ID)

	got, err := st.GetStaging(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.False(t, got.Defunct)
}

func TestSQLite_ResetStuckStaging(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	row, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStagingStatus(ctx, row.ID, model.StatusProcessing))

	ids, err := st.ResetStuckStaging(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = st.ResetStuckStaging(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{row.ID}, ids)

	got, err := st.GetStaging(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestSQLite_StagingFreshness(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)

	n, newest, err := st.StagingFreshness(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, newest.IsZero())

	_, _, err = st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)

	n, newest, err = st.StagingFreshness(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.WithinDuration(t, time.Now().UTC(), newest, time.Minute)

	_, _, err = st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/b", "b")
	require.NoError(t, err)

	n, newest, err = st.StagingFreshness(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.WithinDuration(t, time.Now().UTC(), newest, time.Minute)
}

// --- Statistics ---

func testStatistic(companyID, stagingID, claim string) model.Statistic {
	return model.Statistic{
		CompanyID:  companyID,
		StagingIDs: []string{stagingID},
		Claim:      claim,
		Evaluation: "weak evidence",
		Score:      6.2,
		Breakdown: model.ScoreBreakdown{
			Evidence:      5.25,
			Impact:        3.0,
			TimeRelevance: 0.6,
			Consistency:   0.375,
		},
		Category: model.CategoryEnvironmental,
		Justification: model.Justification{
			Evidence:    "no data cited",
			TimeContext: model.TimeContext{Explanation: "Current/ongoing initiative"},
			Consistency: model.ConsistencyContext{Explanation: "No related claims found"},
		},
		Embedding: []float32{0.1, 0.2, 0.3},
	}
}

func TestSQLite_BatchCreateStatistics_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)
	sg, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)

	batch := []model.Statistic{
		testStatistic(c.ID, sg.ID, "we are carbon neutral"),
		testStatistic(c.ID, sg.ID, "100% recyclable packaging"),
	}
	require.NoError(t, st.BatchCreateStatistics(ctx, batch))

	list, err := st.ListStatistics(ctx, c.ID, false)
	require.NoError(t, err)
	require.Len(t, list, 2)

	got, err := st.GetStatistic(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "we are carbon neutral", got.Claim)
	assert.Equal(t, []string{sg.ID}, got.StagingIDs)
	assert.InDelta(t, 6.2, got.Score, 1e-9)
	assert.InDelta(t, 5.25, got.Breakdown.Evidence, 1e-9)
	assert.Equal(t, model.CategoryEnvironmental, got.Category)
	assert.Equal(t, "Current/ongoing initiative", got.Justification.TimeContext.Explanation)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestSQLite_BatchCreateStatistics_RetrySafe(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)
	sg, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)

	batch := []model.Statistic{testStatistic(c.ID, sg.ID, "zero waste by 2030")}
	require.NoError(t, st.BatchCreateStatistics(ctx, batch))

	// Replaying the same batch (same IDs) must not duplicate rows.
	require.NoError(t, st.BatchCreateStatistics(ctx, batch))

	list, err := st.ListStatistics(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLite_UpdateStatisticResolution(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)
	sg, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)

	batch := []model.Statistic{testStatistic(c.ID, sg.ID, "old claim")}
	require.NoError(t, st.BatchCreateStatistics(ctx, batch))

	analysis := []byte(`{"defunct":true,"reason":"superseded by newer target"}`)
	require.NoError(t, st.UpdateStatisticResolution(ctx, batch[0].ID, analysis, true))

	got, err := st.GetStatistic(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.True(t, got.Defunct)
	assert.Equal(t, model.StatusProcessed, got.Status)
	assert.JSONEq(t, string(analysis), string(got.ComparisonAnalysis))

	// Defunct rows disappear from the default listing.
	list, err := st.ListStatistics(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Empty(t, list)
	all, err := st.ListStatistics(ctx, c.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLite_DeleteAndDefunctStatisticsForStaging(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)
	sgA, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)
	sgB, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/b", "b")
	require.NoError(t, err)

	batch := []model.Statistic{
		testStatistic(c.ID, sgA.ID, "claim a"),
		testStatistic(c.ID, sgB.ID, "claim b"),
	}
	require.NoError(t, st.BatchCreateStatistics(ctx, batch))

	n, err := st.DeleteStatisticsForStaging(ctx, []string{sgA.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.DefunctStatisticsForStaging(ctx, []string{sgB.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := st.ListStatistics(ctx, c.ID, false)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLite_SetStatisticEmbedding(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	c := newTestCompany(t, st)
	sg, _, err := st.CreateStagingIfAbsent(ctx, c.ID, "https://acme.com/a", "a")
	require.NoError(t, err)

	stat := testStatistic(c.ID, sg.ID, "claim")
	stat.Embedding = nil
	batch := []model.Statistic{stat}
	require.NoError(t, st.BatchCreateStatistics(ctx, batch))

	require.NoError(t, st.SetStatisticEmbedding(ctx, batch[0].ID, []float32{0.5, 0.6}))
	got, err := st.GetStatistic(ctx, batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.6}, got.Embedding)
}

// --- Runs ---

func TestSQLite_Run_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{
		StagingID:   "stg-1",
		ThreadID:    "thread_abc",
		RemoteRunID: "run_abc",
		Status:      model.RunQueued,
	}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)

	require.NoError(t, st.UpdateRun(ctx, run.ID, model.RunFailed, "rate limit exceeded"))

	err := st.UpdateRun(ctx, "missing", model.RunCompleted, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

// --- Jobs ---

func TestSQLite_Job_EnqueueDequeueComplete(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	j, err := st.EnqueueJob(ctx, model.QueueScraping, model.JobCrawlDomain, []byte(`{"report_id":"r1"}`), time.Time{}, 3)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, j.Status)

	got, err := st.DequeueJob(ctx, model.QueueScraping, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, model.JobLeased, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, []byte(`{"report_id":"r1"}`), got.Payload)

	// Queue is drained while the job is leased.
	empty, err := st.DequeueJob(ctx, model.QueueScraping, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty)

	require.NoError(t, st.CompleteJob(ctx, got.ID))
}

func TestSQLite_Job_QueueIsolation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.EnqueueJob(ctx, model.QueueScraping, model.JobCrawlDomain, nil, time.Time{}, 3)
	require.NoError(t, err)

	got, err := st.DequeueJob(ctx, model.QueuePreStaging, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_Job_DelayedRunAt(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.EnqueueJob(ctx, model.QueueGeneral, model.JobCheckStaging, nil, time.Now().UTC().Add(time.Hour), 3)
	require.NoError(t, err)

	got, err := st.DequeueJob(ctx, model.QueueGeneral, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got, "delayed job must not be runnable before its run_at")
}

func TestSQLite_Job_FailRetriesThenDead(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	j, err := st.EnqueueJob(ctx, model.QueueGeneral, model.JobAfterScrape, nil, time.Time{}, 2)
	require.NoError(t, err)

	// First attempt fails, job returns to pending.
	got, err := st.DequeueJob(ctx, model.QueueGeneral, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, st.FailJob(ctx, j.ID, "boom", time.Time{}))

	// Second attempt exhausts the budget.
	got, err = st.DequeueJob(ctx, model.QueueGeneral, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempts)
	require.NoError(t, st.FailJob(ctx, j.ID, "boom again", time.Time{}))

	dead, err := st.DequeueJob(ctx, model.QueueGeneral, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, dead, "dead job must not be dequeued")
}

func TestSQLite_Job_ReclaimExpiredLeases(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	j, err := st.EnqueueJob(ctx, model.QueueGeneral, model.JobProcessStaging, nil, time.Time{}, 3)
	require.NoError(t, err)

	// Lease with an already-expired visibility timeout.
	got, err := st.DequeueJob(ctx, model.QueueGeneral, -time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	n, err := st.ReclaimExpiredJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := st.DequeueJob(ctx, model.QueueGeneral, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, j.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}
