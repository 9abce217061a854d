package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/green-detective/detective/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	domain        TEXT NOT NULL UNIQUE,
	about_url     TEXT NOT NULL DEFAULT '',
	about_raw     TEXT NOT NULL DEFAULT '',
	about_summary TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id),
	user_id    TEXT NOT NULL DEFAULT '',
	urls       TEXT,
	status     TEXT NOT NULL DEFAULT 'pending',
	output_key TEXT NOT NULL DEFAULT '',
	output_url TEXT NOT NULL DEFAULT '',
	restarts   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS staging (
	id         TEXT PRIMARY KEY,
	company_id TEXT NOT NULL REFERENCES companies(id),
	url        TEXT NOT NULL,
	raw        TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'PENDING',
	defunct    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(company_id, url)
);

CREATE TABLE IF NOT EXISTS statistics (
	id                  TEXT PRIMARY KEY,
	company_id          TEXT NOT NULL REFERENCES companies(id),
	staging_id          TEXT NOT NULL,
	staging_ids         TEXT NOT NULL,
	claim               TEXT NOT NULL,
	evaluation          TEXT NOT NULL,
	score               REAL NOT NULL,
	breakdown           TEXT NOT NULL,
	category            TEXT NOT NULL,
	justification       TEXT NOT NULL,
	recommendations     TEXT,
	comparison_analysis TEXT,
	embedding           TEXT,
	status              TEXT NOT NULL DEFAULT 'PENDING',
	defunct             INTEGER NOT NULL DEFAULT 0,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	staging_id    TEXT NOT NULL,
	statistic_id  TEXT NOT NULL DEFAULT '',
	thread_id     TEXT NOT NULL,
	remote_run_id TEXT NOT NULL,
	status        TEXT NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	queue            TEXT NOT NULL,
	kind             TEXT NOT NULL,
	payload          BLOB,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	run_at           DATETIME NOT NULL,
	lease_expires_at DATETIME,
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_company ON reports(company_id, status);
CREATE INDEX IF NOT EXISTS idx_staging_company ON staging(company_id, status);
CREATE INDEX IF NOT EXISTS idx_statistics_company ON statistics(company_id, status);
CREATE INDEX IF NOT EXISTS idx_statistics_staging ON statistics(staging_id);
CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(queue, status, run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Companies

func (s *SQLiteStore) EnsureCompany(ctx context.Context, name, domain string) (*model.Company, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (id, name, domain, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(domain) DO NOTHING`,
		id, name, domain, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure company %s", domain)
	}
	return s.GetCompanyByDomain(ctx, domain)
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, domain, about_url, about_raw, about_summary, created_at, updated_at
		 FROM companies WHERE id = ?`, id)
	return scanCompany(row)
}

func (s *SQLiteStore) GetCompanyByDomain(ctx context.Context, domain string) (*model.Company, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, domain, about_url, about_raw, about_summary, created_at, updated_at
		 FROM companies WHERE domain = ?`, domain)
	return scanCompany(row)
}

func (s *SQLiteStore) UpdateCompanyAbout(ctx context.Context, id, aboutURL, aboutRaw, aboutSummary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET about_url = ?, about_raw = ?, about_summary = ?, updated_at = ? WHERE id = ?`,
		aboutURL, aboutRaw, aboutSummary, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update company about %s", id)
	}
	return checkRowsAffected(res, "company", id)
}

// Reports

func (s *SQLiteStore) CreateReport(ctx context.Context, companyID, userID string, urls []string) (*model.Report, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var urlsJSON sql.NullString
	if len(urls) > 0 {
		b, err := json.Marshal(urls)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal report urls")
		}
		urlsJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (id, company_id, user_id, urls, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, companyID, userID, urlsJSON, string(model.ReportStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert report")
	}

	return &model.Report{
		ID:        id,
		CompanyID: companyID,
		UserID:    userID,
		URLs:      urls,
		Status:    model.ReportStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, user_id, urls, status, output_key, output_url, restarts, created_at, updated_at
		 FROM reports WHERE id = ?`, id)
	return scanReport(row)
}

func (s *SQLiteStore) UpdateReportStatus(ctx context.Context, id string, status model.ReportStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update report status %s", id)
	}
	return checkRowsAffected(res, "report", id)
}

func (s *SQLiteStore) SetReportOutput(ctx context.Context, id, outputKey, outputURL string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET output_key = ?, output_url = ?, updated_at = ? WHERE id = ?`,
		outputKey, outputURL, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set report output %s", id)
	}
	return checkRowsAffected(res, "report", id)
}

func (s *SQLiteStore) IncrementReportRestarts(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET restarts = restarts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: increment report restarts %s", id)
	}
	if err := checkRowsAffected(res, "report", id); err != nil {
		return 0, err
	}

	var restarts int
	err = s.db.QueryRowContext(ctx, `SELECT restarts FROM reports WHERE id = ?`, id).Scan(&restarts)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: read report restarts %s", id)
	}
	return restarts, nil
}

func (s *SQLiteStore) CancelPendingReports(ctx context.Context, companyID, exceptID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, updated_at = ? WHERE company_id = ? AND status = ? AND id != ?`,
		string(model.ReportStatusCancelled), time.Now().UTC(), companyID, string(model.ReportStatusPending), exceptID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: cancel pending reports for %s", companyID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) LatestReport(ctx context.Context, companyID string) (*model.Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, user_id, urls, status, output_key, output_url, restarts, created_at, updated_at
		 FROM reports WHERE company_id = ? ORDER BY created_at DESC LIMIT 1`, companyID)
	return scanReport(row)
}

func (s *SQLiteStore) FailStuckReports(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(model.ReportStatusFailed), time.Now().UTC(), string(model.ReportStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: fail stuck reports")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Staging

func (s *SQLiteStore) CreateStagingIfAbsent(ctx context.Context, companyID, url, raw string) (*model.Staging, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO staging (id, company_id, url, raw, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(company_id, url) DO NOTHING`,
		id, companyID, url, raw, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: stage %s", url)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, company_id, url, raw, status, defunct, created_at, updated_at
			 FROM staging WHERE company_id = ? AND url = ?`, companyID, url)
		existing, err := scanStaging(row)
		return existing, false, err
	}

	return &model.Staging{
		ID:        id,
		CompanyID: companyID,
		URL:       url,
		Raw:       raw,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, true, nil
}

func (s *SQLiteStore) GetStaging(ctx context.Context, id string) (*model.Staging, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, url, raw, status, defunct, created_at, updated_at
		 FROM staging WHERE id = ?`, id)
	return scanStaging(row)
}

func (s *SQLiteStore) UpdateStagingStatus(ctx context.Context, id string, status model.RecordStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE staging SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update staging status %s", id)
	}
	return checkRowsAffected(res, "staging", id)
}

func (s *SQLiteStore) ListStagingByStatus(ctx context.Context, companyID string, status model.RecordStatus) ([]model.Staging, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, company_id, url, raw, status, defunct, created_at, updated_at
		 FROM staging WHERE company_id = ? AND status = ? AND defunct = 0 ORDER BY created_at`,
		companyID, string(status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list staging")
	}
	defer rows.Close()

	var out []model.Staging
	for rows.Next() {
		st, err := scanStaging(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list staging iterate")
}

func (s *SQLiteStore) CountStagingByStatus(ctx context.Context, companyID string) (map[model.RecordStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM staging WHERE company_id = ? AND defunct = 0 GROUP BY status`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count staging")
	}
	defer rows.Close()
	return scanStatusCounts(rows)
}

func (s *SQLiteStore) CountProcessingStaging(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staging WHERE status = ? AND defunct = 0`,
		string(model.StatusProcessing),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count processing staging")
}

func (s *SQLiteStore) StagingFreshness(ctx context.Context, companyID string) (int, time.Time, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM staging WHERE company_id = ? AND defunct = 0`,
		companyID,
	).Scan(&n)
	if err != nil {
		return 0, time.Time{}, eris.Wrap(err, "sqlite: count staging freshness")
	}
	if n == 0 {
		return 0, time.Time{}, nil
	}
	// MAX(updated_at) loses the column decltype under modernc, so the
	// driver hands back a string. Selecting the column keeps it a time.
	var newest time.Time
	err = s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM staging WHERE company_id = ? AND defunct = 0
		 ORDER BY updated_at DESC LIMIT 1`,
		companyID,
	).Scan(&newest)
	if err != nil {
		return 0, time.Time{}, eris.Wrap(err, "sqlite: newest staging")
	}
	return n, newest, nil
}

func (s *SQLiteStore) MarkStagingDefunctOutside(ctx context.Context, companyID string, keepURLs []string) ([]string, error) {
	query := `SELECT id FROM staging WHERE company_id = ? AND defunct = 0`
	args := []any{companyID}
	if len(keepURLs) > 0 {
		query += ` AND url NOT IN (` + placeholders(len(keepURLs)) + `)`
		for _, u := range keepURLs {
			args = append(args, u)
		}
	}

	ids, err := s.collectIDs(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select staging outside scope")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	updateArgs := []any{time.Now().UTC()}
	for _, id := range ids {
		updateArgs = append(updateArgs, id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE staging SET defunct = 1, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		updateArgs...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: mark staging defunct")
	}
	return ids, nil
}

func (s *SQLiteStore) ResetStaleStagingByURL(ctx context.Context, companyID string, urls []string, olderThan time.Duration) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	query := `SELECT id FROM staging WHERE company_id = ? AND defunct = 0 AND updated_at < ?
		 AND url IN (` + placeholders(len(urls)) + `)`
	args := []any{companyID, cutoff}
	for _, u := range urls {
		args = append(args, u)
	}
	return s.resetStagingIDs(ctx, query, args...)
}

func (s *SQLiteStore) ResetStaleStaging(ctx context.Context, companyID string, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	ids, err := s.collectIDs(ctx,
		`SELECT id FROM staging WHERE company_id = ? AND updated_at < ?`,
		companyID, cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select stale staging")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	updateArgs := []any{string(model.StatusPending), time.Now().UTC()}
	for _, id := range ids {
		updateArgs = append(updateArgs, id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE staging SET status = ?, defunct = 0, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		updateArgs...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reset stale staging")
	}
	return ids, nil
}

func (s *SQLiteStore) ResetStuckStaging(ctx context.Context, stale time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-stale)
	return s.resetStagingIDs(ctx,
		`SELECT id FROM staging WHERE status = ? AND defunct = 0 AND updated_at < ?`,
		string(model.StatusProcessing), cutoff,
	)
}

// resetStagingIDs re-pends the rows matched by the query and returns their IDs.
func (s *SQLiteStore) resetStagingIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	ids, err := s.collectIDs(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select staging to reset")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	updateArgs := []any{string(model.StatusPending), time.Now().UTC()}
	for _, id := range ids {
		updateArgs = append(updateArgs, id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE staging SET status = ?, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		updateArgs...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reset staging")
	}
	return ids, nil
}

// Statistics

func (s *SQLiteStore) BatchCreateStatistics(ctx context.Context, stats []model.Statistic) error {
	if len(stats) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin batch insert")
	}
	defer tx.Rollback()

	for i := range stats {
		st := &stats[i]
		if st.ID == "" {
			st.ID = uuid.New().String()
		}
		now := time.Now().UTC()
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
		st.UpdatedAt = now
		if st.Status == "" {
			st.Status = model.StatusPending
		}

		cols, err := statisticColumns(st)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO statistics (id, company_id, staging_id, staging_ids, claim, evaluation, score,
				breakdown, category, justification, recommendations, comparison_analysis, embedding,
				status, defunct, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				claim = excluded.claim, evaluation = excluded.evaluation, score = excluded.score,
				breakdown = excluded.breakdown, category = excluded.category,
				justification = excluded.justification, recommendations = excluded.recommendations,
				embedding = excluded.embedding, status = excluded.status, updated_at = excluded.updated_at`,
			cols...,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert statistic for staging %s", st.PrimaryStagingID())
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit batch insert")
}

func (s *SQLiteStore) GetStatistic(ctx context.Context, id string) (*model.Statistic, error) {
	row := s.db.QueryRowContext(ctx, selectStatistic+` WHERE id = ?`, id)
	return scanStatistic(row)
}

func (s *SQLiteStore) UpdateStatisticStatus(ctx context.Context, id string, status model.RecordStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE statistics SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update statistic status %s", id)
	}
	return checkRowsAffected(res, "statistic", id)
}

func (s *SQLiteStore) SetStatisticEmbedding(ctx context.Context, id string, embedding []float32) error {
	b, err := json.Marshal(embedding)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal embedding")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE statistics SET embedding = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set statistic embedding %s", id)
	}
	return checkRowsAffected(res, "statistic", id)
}

func (s *SQLiteStore) UpdateStatisticResolution(ctx context.Context, id string, analysis []byte, defunct bool) error {
	var analysisVal sql.NullString
	if len(analysis) > 0 {
		analysisVal = sql.NullString{String: string(analysis), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE statistics SET comparison_analysis = ?, defunct = ?, status = ?, updated_at = ? WHERE id = ?`,
		analysisVal, boolInt(defunct), string(model.StatusProcessed), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve statistic %s", id)
	}
	return checkRowsAffected(res, "statistic", id)
}

const selectStatistic = `SELECT id, company_id, staging_ids, claim, evaluation, score, breakdown,
	category, justification, recommendations, comparison_analysis, embedding, status, defunct,
	created_at, updated_at FROM statistics`

func (s *SQLiteStore) ListStatistics(ctx context.Context, companyID string, includeDefunct bool) ([]model.Statistic, error) {
	query := selectStatistic + ` WHERE company_id = ?`
	if !includeDefunct {
		query += ` AND defunct = 0`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list statistics")
	}
	defer rows.Close()
	return collectStatistics(rows)
}

func (s *SQLiteStore) ListStatisticsByStatus(ctx context.Context, companyID string, status model.RecordStatus) ([]model.Statistic, error) {
	rows, err := s.db.QueryContext(ctx,
		selectStatistic+` WHERE company_id = ? AND status = ? AND defunct = 0 ORDER BY created_at`,
		companyID, string(status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list statistics by status")
	}
	defer rows.Close()
	return collectStatistics(rows)
}

func (s *SQLiteStore) CountStatisticsByStatus(ctx context.Context, companyID string) (map[model.RecordStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM statistics WHERE company_id = ? AND defunct = 0 GROUP BY status`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count statistics")
	}
	defer rows.Close()
	return scanStatusCounts(rows)
}

func (s *SQLiteStore) CountProcessingStatistics(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM statistics WHERE status = ? AND defunct = 0`,
		string(model.StatusProcessing),
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count processing statistics")
}

func (s *SQLiteStore) DeleteStatisticsForStaging(ctx context.Context, stagingIDs []string) (int, error) {
	if len(stagingIDs) == 0 {
		return 0, nil
	}
	args := make([]any, len(stagingIDs))
	for i, id := range stagingIDs {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM statistics WHERE staging_id IN (`+placeholders(len(stagingIDs))+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete statistics for staging")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) DefunctStatisticsForStaging(ctx context.Context, stagingIDs []string) (int, error) {
	if len(stagingIDs) == 0 {
		return 0, nil
	}
	args := []any{time.Now().UTC()}
	for _, id := range stagingIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE statistics SET defunct = 1, updated_at = ? WHERE staging_id IN (`+placeholders(len(stagingIDs))+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: defunct statistics for staging")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ResetStuckStatistics(ctx context.Context, stale time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-stale)
	ids, err := s.collectIDs(ctx,
		`SELECT id FROM statistics WHERE status = ? AND defunct = 0 AND updated_at < ?`,
		string(model.StatusProcessing), cutoff,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select stuck statistics")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	args := []any{string(model.StatusPending), time.Now().UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE statistics SET status = ?, updated_at = ? WHERE id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reset stuck statistics")
	}
	return ids, nil
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, staging_id, statistic_id, thread_id, remote_run_id, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StagingID, run.StatisticID, run.ThreadID, run.RemoteRunID, string(run.Status), run.LastError, now, now,
	)
	return eris.Wrap(err, "sqlite: insert run")
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, id string, status model.RunStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

// Jobs

func (s *SQLiteStore) EnqueueJob(ctx context.Context, queue, kind string, payload []byte, runAt time.Time, maxAttempts int) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, kind, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, queue, kind, payload, string(model.JobPending), maxAttempts, runAt.UTC(), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: enqueue %s", kind)
	}

	return &model.Job{
		ID:          id,
		Queue:       queue,
		Kind:        kind,
		Payload:     payload,
		Status:      model.JobPending,
		MaxAttempts: maxAttempts,
		RunAt:       runAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *SQLiteStore) DequeueJob(ctx context.Context, queue string, lease time.Duration) (*model.Job, error) {
	// Claim is select-then-conditional-update; a lost race falls through
	// to the next candidate.
	for attempt := 0; attempt < 5; attempt++ {
		now := time.Now().UTC()
		row := s.db.QueryRowContext(ctx,
			`SELECT id, queue, kind, payload, status, attempts, max_attempts, run_at, lease_expires_at, last_error, created_at, updated_at
			 FROM jobs WHERE queue = ? AND status = ? AND run_at <= ?
			 ORDER BY run_at, created_at LIMIT 1`,
			queue, string(model.JobPending), now,
		)
		job, err := scanJob(row)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		expires := now.Add(lease)
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = attempts + 1, lease_expires_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			string(model.JobLeased), expires, now, job.ID, string(model.JobPending),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: lease job %s", job.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			continue
		}

		job.Status = model.JobLeased
		job.Attempts++
		job.LeaseExpiresAt = expires
		job.UpdatedAt = now
		return job, nil
	}
	return nil, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.JobDone), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, jobErr string, retryAt time.Time) error {
	now := time.Now().UTC()
	if retryAt.IsZero() {
		retryAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN ? ELSE ? END,
			run_at = ?, last_error = ?, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ?`,
		string(model.JobDead), string(model.JobPending), retryAt.UTC(), jobErr, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) ReclaimExpiredJobs(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, lease_expires_at = NULL, updated_at = ?
		 WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(model.JobPending), now, string(model.JobLeased), now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reclaim expired jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func (s *SQLiteStore) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCompany(row scannable) (*model.Company, error) {
	var c model.Company
	err := row.Scan(&c.ID, &c.Name, &c.Domain, &c.AboutURL, &c.AboutRaw, &c.AboutSummary, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("company not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan company")
	}
	return &c, nil
}

func scanReport(row scannable) (*model.Report, error) {
	var r model.Report
	var urlsJSON sql.NullString
	var status string

	err := row.Scan(&r.ID, &r.CompanyID, &r.UserID, &urlsJSON, &status, &r.OutputKey, &r.OutputURL, &r.Restarts, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("report not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan report")
	}
	r.Status = model.ReportStatus(status)

	if urlsJSON.Valid {
		if err := json.Unmarshal([]byte(urlsJSON.String), &r.URLs); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal report urls")
		}
	}
	return &r, nil
}

func scanStaging(row scannable) (*model.Staging, error) {
	var st model.Staging
	var status string
	var defunct int

	err := row.Scan(&st.ID, &st.CompanyID, &st.URL, &st.Raw, &status, &defunct, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("staging not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan staging")
	}
	st.Status = model.RecordStatus(status)
	st.Defunct = defunct != 0
	return &st, nil
}

func statisticColumns(st *model.Statistic) ([]any, error) {
	stagingIDs, err := json.Marshal(st.StagingIDs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal staging ids")
	}
	breakdown, err := json.Marshal(st.Breakdown)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal breakdown")
	}
	justification, err := json.Marshal(st.Justification)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal justification")
	}

	var recommendations sql.NullString
	if len(st.Recommendations) > 0 {
		b, err := json.Marshal(st.Recommendations)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal recommendations")
		}
		recommendations = sql.NullString{String: string(b), Valid: true}
	}
	var analysis sql.NullString
	if len(st.ComparisonAnalysis) > 0 {
		analysis = sql.NullString{String: string(st.ComparisonAnalysis), Valid: true}
	}
	var embedding sql.NullString
	if len(st.Embedding) > 0 {
		b, err := json.Marshal(st.Embedding)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: marshal embedding")
		}
		embedding = sql.NullString{String: string(b), Valid: true}
	}

	return []any{
		st.ID, st.CompanyID, st.PrimaryStagingID(), string(stagingIDs), st.Claim, st.Evaluation, st.Score,
		string(breakdown), string(st.Category), string(justification), recommendations, analysis, embedding,
		string(st.Status), boolInt(st.Defunct), st.CreatedAt, st.UpdatedAt,
	}, nil
}

func scanStatistic(row scannable) (*model.Statistic, error) {
	var st model.Statistic
	var stagingIDs, breakdown, justification string
	var recommendations, analysis, embedding sql.NullString
	var status, category string
	var defunct int

	err := row.Scan(&st.ID, &st.CompanyID, &stagingIDs, &st.Claim, &st.Evaluation, &st.Score,
		&breakdown, &category, &justification, &recommendations, &analysis, &embedding,
		&status, &defunct, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("statistic not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan statistic")
	}

	st.Status = model.RecordStatus(status)
	st.Category = model.ClaimCategory(category)
	st.Defunct = defunct != 0

	if err := json.Unmarshal([]byte(stagingIDs), &st.StagingIDs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal staging ids")
	}
	if err := json.Unmarshal([]byte(breakdown), &st.Breakdown); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal breakdown")
	}
	if err := json.Unmarshal([]byte(justification), &st.Justification); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal justification")
	}
	if recommendations.Valid {
		if err := json.Unmarshal([]byte(recommendations.String), &st.Recommendations); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal recommendations")
		}
	}
	if analysis.Valid {
		st.ComparisonAnalysis = []byte(analysis.String)
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &st.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
		}
	}
	return &st, nil
}

func collectStatistics(rows *sql.Rows) ([]model.Statistic, error) {
	var out []model.Statistic
	for rows.Next() {
		st, err := scanStatistic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: statistics iterate")
}

func scanStatusCounts(rows *sql.Rows) (map[model.RecordStatus]int, error) {
	counts := make(map[model.RecordStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.RecordStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: status counts iterate")
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var status string
	var payload []byte
	var lease sql.NullTime

	err := row.Scan(&j.ID, &j.Queue, &j.Kind, &payload, &status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &lease, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	j.Payload = payload
	j.Status = model.JobStatus(status)
	if lease.Valid {
		j.LeaseExpiresAt = lease.Time
	}
	return &j, nil
}
