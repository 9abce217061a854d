package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/green-detective/detective/internal/config"
	"github.com/green-detective/detective/internal/crawl"
	"github.com/green-detective/detective/internal/model"
	"github.com/green-detective/detective/internal/objstore"
	"github.com/green-detective/detective/internal/store"
	"github.com/green-detective/detective/pkg/assistant"
)

const (
	testExtractionID   = "asst-extract"
	testSupersessionID = "asst-supersede"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Assistant: config.AssistantConfig{
			ExtractionID:     testExtractionID,
			SupersessionID:   testSupersessionID,
			PollIntervalSecs: 0,
			PollTimeoutSecs:  5,
		},
		Storage: config.StorageConfig{
			Root:          "reports",
			SigningSecret: "test-secret",
			SignedURLBase: "http://localhost:8080/files",
			ExpiryHours:   24,
		},
		Crawl: config.CrawlConfig{
			MaxLinks:         100,
			Workers:          2,
			FetchTimeoutSecs: 5,
		},
		Extract: config.ExtractConfig{MaxChunkChars: 15000},
		Pipeline: config.PipelineConfig{
			MaxProcessing:        20,
			StaleSecs:            300,
			CheckIntervalSecs:    0,
			StallRetries:         3,
			SkipCrawlWindowDays:  30,
			SkipCrawlMinRecords:  10,
			RescrapeWindowHours:  24,
			StaggerSecs:          0,
			NeighborK:            10,
			SaveRetries:          3,
			ReportStuckAfterMins: 30,
		},
	}
}

type testEnv struct {
	pipeline   *Pipeline
	store      store.Store
	fetcher    *stubFetcher
	assistant  *stubAssistant
	embedder   *stubEmbedder
	summarizer *stubSummarizer
	storage    *objstore.FSStorage
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	fetcher := &stubFetcher{pages: make(map[string]string)}
	llm := &stubAssistant{byThread: make(map[string]string)}
	embedder := &stubEmbedder{}
	summarizer := &stubSummarizer{response: "Summarized."}
	storage := objstore.NewFSWith(afero.NewMemMapFs(), cfg.Storage)

	return &testEnv{
		pipeline:   New(cfg, st, fetcher, llm, embedder, summarizer, storage),
		store:      st,
		fetcher:    fetcher,
		assistant:  llm,
		embedder:   embedder,
		summarizer: summarizer,
		storage:    storage,
	}
}

// drain runs queued jobs to completion, one job per queue per pass so
// record work interleaves with completion checks the way concurrent
// workers would.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	handlers := map[string]func(context.Context, *model.Job) error{
		model.JobStartReport:      e.pipeline.handleStartReport,
		model.JobCrawlDomain:      e.pipeline.handleCrawlDomain,
		model.JobAfterScrape:      e.pipeline.handleAfterScrape,
		model.JobProcessStaging:   e.pipeline.handleProcessStaging,
		model.JobResolveStatistic: e.pipeline.handleResolveStatistic,
		model.JobCheckStaging:     e.pipeline.handleCheckStaging,
		model.JobCheckStatistics:  e.pipeline.handleCheckStatistics,
		model.JobAssembleReport:   e.pipeline.handleAssembleReport,
	}
	queues := []string{
		model.QueueScraping, model.QueuePreStaging, model.QueuePostStaging, model.QueueGeneral,
	}

	for pass := 0; pass < 200; pass++ {
		worked := false
		for _, q := range queues {
			job, err := e.store.DequeueJob(ctx, q, time.Minute)
			require.NoError(t, err)
			if job == nil {
				continue
			}
			worked = true
			require.NoError(t, handlers[job.Kind](ctx, job), "job kind %s", job.Kind)
			require.NoError(t, e.store.CompleteJob(ctx, job.ID))
		}
		if !worked {
			return
		}
	}
	t.Fatal("pipeline jobs did not drain")
}

// newCompanyAndReport seeds a company with a pending report.
func (e *testEnv) newCompanyAndReport(t *testing.T, domain string, urls []string) (*model.Company, *model.Report) {
	t.Helper()
	ctx := context.Background()
	company, err := e.store.EnsureCompany(ctx, model.NameFromDomain(domain), domain)
	require.NoError(t, err)
	report, err := e.store.CreateReport(ctx, company.ID, "user-1", urls)
	require.NoError(t, err)
	return company, report
}

// stubFetcher serves canned HTML bodies by exact URL.
type stubFetcher struct {
	mu    sync.Mutex
	pages map[string]string
	calls int
}

func (f *stubFetcher) add(url, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[url] = body
}

func (f *stubFetcher) Fetch(ctx context.Context, targetURL string) (*crawl.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	body, ok := f.pages[targetURL]
	if !ok {
		return nil, eris.Errorf("stub: no page for %s", targetURL)
	}
	return &crawl.Page{
		URL:         targetURL,
		Body:        []byte(body),
		ContentType: "text/html",
		StatusCode:  200,
		Source:      "http",
	}, nil
}

// stubAssistant completes every run on the first poll, answering with
// extractionJSON or supersessionJSON depending on which assistant the run
// was created for.
type stubAssistant struct {
	mu               sync.Mutex
	threads          int
	byThread         map[string]string
	extractionJSON   string
	supersessionJSON string
	runsStarted      int
}

func (a *stubAssistant) runs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runsStarted
}

func (a *stubAssistant) CreateThread(ctx context.Context, messages []assistant.ThreadMessage) (*assistant.Thread, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threads++
	return &assistant.Thread{ID: fmt.Sprintf("thread-%d", a.threads)}, nil
}

func (a *stubAssistant) CreateRun(ctx context.Context, threadID, assistantID string) (*assistant.Run, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byThread[threadID] = assistantID
	a.runsStarted++
	return &assistant.Run{ID: "run-" + threadID, ThreadID: threadID, Status: assistant.StatusQueued}, nil
}

func (a *stubAssistant) RetrieveRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	return &assistant.Run{ID: runID, ThreadID: threadID, Status: assistant.StatusCompleted}, nil
}

func (a *stubAssistant) ListRunSteps(ctx context.Context, threadID, runID string) ([]assistant.RunStep, error) {
	return []assistant.RunStep{{
		ID:   "step-" + threadID,
		Type: "message_creation",
		StepDetails: assistant.StepDetails{
			Type:            "message_creation",
			MessageCreation: &assistant.MessageCreation{MessageID: "msg-" + threadID},
		},
	}}, nil
}

func (a *stubAssistant) RetrieveMessage(ctx context.Context, threadID, messageID string) (*assistant.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	text := a.extractionJSON
	if a.byThread[threadID] == testSupersessionID {
		text = a.supersessionJSON
	}
	return &assistant.Message{
		ID:   messageID,
		Role: "assistant",
		Content: []assistant.ContentBlock{
			{Type: "text", Text: &assistant.TextBlock{Value: text}},
		},
	}, nil
}

// stubEmbedder returns a fixed unit vector so every claim is a perfect
// cosine neighbor of every other.
type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return []float32{1, 0, 0}, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

type stubSummarizer struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (s *stubSummarizer) Complete(ctx context.Context, system, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}
