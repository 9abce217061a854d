package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/green-detective/detective/internal/db"
	"github.com/green-detective/detective/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations.
var preparedStatements = map[string]string{
	"update_staging_status":   `UPDATE staging SET status = $1, updated_at = $2 WHERE id = $3`,
	"update_statistic_status": `UPDATE statistics SET status = $1, updated_at = $2 WHERE id = $3`,
	"count_processing_staging": `SELECT COUNT(*) FROM staging WHERE status = 'PROCESSING' AND NOT defunct`,
	"get_staging":             `SELECT id, company_id, url, raw, status, defunct, created_at, updated_at FROM staging WHERE id = $1`,
	"complete_job":            `UPDATE jobs SET status = 'done', updated_at = $1 WHERE id = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name          TEXT NOT NULL,
	domain        TEXT NOT NULL UNIQUE,
	about_url     TEXT NOT NULL DEFAULT '',
	about_raw     TEXT NOT NULL DEFAULT '',
	about_summary TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reports (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_id TEXT NOT NULL REFERENCES companies(id),
	user_id    TEXT NOT NULL DEFAULT '',
	urls       JSONB,
	status     TEXT NOT NULL DEFAULT 'pending',
	output_key TEXT NOT NULL DEFAULT '',
	output_url TEXT NOT NULL DEFAULT '',
	restarts   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS staging (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_id TEXT NOT NULL REFERENCES companies(id),
	url        TEXT NOT NULL,
	raw        TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'PENDING',
	defunct    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(company_id, url)
);

CREATE TABLE IF NOT EXISTS statistics (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_id          TEXT NOT NULL REFERENCES companies(id),
	staging_id          TEXT NOT NULL,
	staging_ids         JSONB NOT NULL,
	claim               TEXT NOT NULL,
	evaluation          TEXT NOT NULL,
	score               DOUBLE PRECISION NOT NULL,
	breakdown           JSONB NOT NULL,
	category            TEXT NOT NULL,
	justification       JSONB NOT NULL,
	recommendations     JSONB,
	comparison_analysis JSONB,
	embedding           JSONB,
	status              TEXT NOT NULL DEFAULT 'PENDING',
	defunct             BOOLEAN NOT NULL DEFAULT FALSE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	staging_id    TEXT NOT NULL,
	statistic_id  TEXT NOT NULL DEFAULT '',
	thread_id     TEXT NOT NULL,
	remote_run_id TEXT NOT NULL,
	status        TEXT NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	queue            TEXT NOT NULL,
	kind             TEXT NOT NULL,
	payload          BYTEA,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	run_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	lease_expires_at TIMESTAMPTZ,
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reports_company ON reports(company_id, status);
CREATE INDEX IF NOT EXISTS idx_staging_company ON staging(company_id, status);
CREATE INDEX IF NOT EXISTS idx_statistics_company ON statistics(company_id, status);
CREATE INDEX IF NOT EXISTS idx_statistics_staging ON statistics(staging_id);
CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(queue, status, run_at);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Companies

func (s *PostgresStore) EnsureCompany(ctx context.Context, name, domain string) (*model.Company, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, name, domain, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (domain) DO NOTHING`,
		id, name, domain, now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure company %s", domain)
	}
	return s.GetCompanyByDomain(ctx, domain)
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	return s.queryCompany(ctx,
		`SELECT id, name, domain, about_url, about_raw, about_summary, created_at, updated_at
		 FROM companies WHERE id = $1`, id)
}

func (s *PostgresStore) GetCompanyByDomain(ctx context.Context, domain string) (*model.Company, error) {
	return s.queryCompany(ctx,
		`SELECT id, name, domain, about_url, about_raw, about_summary, created_at, updated_at
		 FROM companies WHERE domain = $1`, domain)
}

func (s *PostgresStore) queryCompany(ctx context.Context, query string, arg any) (*model.Company, error) {
	var c model.Company
	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&c.ID, &c.Name, &c.Domain, &c.AboutURL, &c.AboutRaw, &c.AboutSummary, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("company not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get company")
	}
	return &c, nil
}

func (s *PostgresStore) UpdateCompanyAbout(ctx context.Context, id, aboutURL, aboutRaw, aboutSummary string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET about_url = $1, about_raw = $2, about_summary = $3, updated_at = $4 WHERE id = $5`,
		aboutURL, aboutRaw, aboutSummary, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update company about %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("company not found: %s", id)
	}
	return nil
}

// Reports

func (s *PostgresStore) CreateReport(ctx context.Context, companyID, userID string, urls []string) (*model.Report, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var urlsJSON []byte
	if len(urls) > 0 {
		b, err := json.Marshal(urls)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal report urls")
		}
		urlsJSON = b
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, company_id, user_id, urls, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, companyID, userID, urlsJSON, string(model.ReportStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert report")
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

const selectReportPG = `SELECT id, company_id, user_id, urls, status, output_key, output_url, restarts, created_at, updated_at FROM reports`

func (s *PostgresStore) GetReport(ctx context.Context, id string) (*model.Report, error) {
	return s.queryReport(ctx, selectReportPG+` WHERE id = $1`, id)
}

func (s *PostgresStore) LatestReport(ctx context.Context, companyID string) (*model.Report, error) {
	return s.queryReport(ctx, selectReportPG+` WHERE company_id = $1 ORDER BY created_at DESC LIMIT 1`, companyID)
}

func (s *PostgresStore) queryReport(ctx context.Context, query string, arg any) (*model.Report, error) {
	var r model.Report
	var urlsJSON []byte
	var status string

	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&r.ID, &r.CompanyID, &r.UserID, &urlsJSON, &status, &r.OutputKey, &r.OutputURL, &r.Restarts, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("report not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get report")
	}
	r.Status = model.ReportStatus(status)
	if len(urlsJSON) > 0 {
		if err := json.Unmarshal(urlsJSON, &r.URLs); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal report urls")
		}
	}
	return &r, nil
}

func (s *PostgresStore) UpdateReportStatus(ctx context.Context, id string, status model.ReportStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update report status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("report not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SetReportOutput(ctx context.Context, id, outputKey, outputURL string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET output_key = $1, output_url = $2, updated_at = $3 WHERE id = $4`,
		outputKey, outputURL, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set report output %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("report not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) IncrementReportRestarts(ctx context.Context, id string) (int, error) {
	var restarts int
	err := s.pool.QueryRow(ctx,
		`UPDATE reports SET restarts = restarts + 1, updated_at = $1 WHERE id = $2 RETURNING restarts`,
		time.Now().UTC(), id,
	).Scan(&restarts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Errorf("report not found: %s", id)
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: increment report restarts %s", id)
	}
	return restarts, nil
}

func (s *PostgresStore) CancelPendingReports(ctx context.Context, companyID, exceptID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, updated_at = $2 WHERE company_id = $3 AND status = $4 AND id != $5`,
		string(model.ReportStatusCancelled), time.Now().UTC(), companyID, string(model.ReportStatusPending), exceptID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: cancel pending reports for %s", companyID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) FailStuckReports(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $1, updated_at = $2 WHERE status = $3 AND updated_at < $4`,
		string(model.ReportStatusFailed), time.Now().UTC(), string(model.ReportStatusProcessing), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: fail stuck reports")
	}
	return int(tag.RowsAffected()), nil
}

// Staging

const selectStagingPG = `SELECT id, company_id, url, raw, status, defunct, created_at, updated_at FROM staging`

func (s *PostgresStore) CreateStagingIfAbsent(ctx context.Context, companyID, url, raw string) (*model.Staging, bool, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO staging (id, company_id, url, raw, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (company_id, url) DO NOTHING`,
		id, companyID, url, raw, string(model.StatusPending), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: stage %s", url)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.queryStaging(ctx, selectStagingPG+` WHERE company_id = $1 AND url = $2`, companyID, url)
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

func (s *PostgresStore) GetStaging(ctx context.Context, id string) (*model.Staging, error) {
	return s.queryStaging(ctx, selectStagingPG+` WHERE id = $1`, id)
}

func (s *PostgresStore) queryStaging(ctx context.Context, query string, args ...any) (*model.Staging, error) {
	var st model.Staging
	var status string
	err := s.pool.QueryRow(ctx, query, args...).
		Scan(&st.ID, &st.CompanyID, &st.URL, &st.Raw, &status, &st.Defunct, &st.CreatedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("staging not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get staging")
	}
	st.Status = model.RecordStatus(status)
	return &st, nil
}

func (s *PostgresStore) UpdateStagingStatus(ctx context.Context, id string, status model.RecordStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE staging SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update staging status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("staging not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListStagingByStatus(ctx context.Context, companyID string, status model.RecordStatus) ([]model.Staging, error) {
	rows, err := s.pool.Query(ctx,
		selectStagingPG+` WHERE company_id = $1 AND status = $2 AND NOT defunct ORDER BY created_at`,
		companyID, string(status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list staging")
	}
	defer rows.Close()

	var out []model.Staging
	for rows.Next() {
		var st model.Staging
		var statusCol string
		if err := rows.Scan(&st.ID, &st.CompanyID, &st.URL, &st.Raw, &statusCol, &st.Defunct, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan staging")
		}
		st.Status = model.RecordStatus(statusCol)
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list staging iterate")
}

func (s *PostgresStore) CountStagingByStatus(ctx context.Context, companyID string) (map[model.RecordStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM staging WHERE company_id = $1 AND NOT defunct GROUP BY status`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count staging")
	}
	defer rows.Close()
	return scanStatusCountsPG(rows)
}

func (s *PostgresStore) CountProcessingStaging(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM staging WHERE status = 'PROCESSING' AND NOT defunct`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count processing staging")
}

func (s *PostgresStore) StagingFreshness(ctx context.Context, companyID string) (int, time.Time, error) {
	var n int
	var newest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(updated_at) FROM staging WHERE company_id = $1 AND NOT defunct`,
		companyID,
	).Scan(&n, &newest)
	if err != nil {
		return 0, time.Time{}, eris.Wrap(err, "postgres: staging freshness")
	}
	if newest == nil {
		return n, time.Time{}, nil
	}
	return n, *newest, nil
}

func (s *PostgresStore) MarkStagingDefunctOutside(ctx context.Context, companyID string, keepURLs []string) ([]string, error) {
	query := `UPDATE staging SET defunct = TRUE, updated_at = $1 WHERE company_id = $2 AND NOT defunct`
	args := []any{time.Now().UTC(), companyID}
	if len(keepURLs) > 0 {
		query += ` AND NOT (url = ANY($3))`
		args = append(args, keepURLs)
	}
	query += ` RETURNING id`
	return s.collectIDs(ctx, "postgres: mark staging defunct", query, args...)
}

func (s *PostgresStore) ResetStaleStagingByURL(ctx context.Context, companyID string, urls []string, olderThan time.Duration) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.collectIDs(ctx, "postgres: reset stale staging by url",
		`UPDATE staging SET status = $1, updated_at = $2
		 WHERE company_id = $3 AND NOT defunct AND updated_at < $4 AND url = ANY($5)
		 RETURNING id`,
		string(model.StatusPending), time.Now().UTC(), companyID, cutoff, urls,
	)
}

func (s *PostgresStore) ResetStaleStaging(ctx context.Context, companyID string, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.collectIDs(ctx, "postgres: reset stale staging",
		`UPDATE staging SET status = $1, defunct = FALSE, updated_at = $2
		 WHERE company_id = $3 AND updated_at < $4
		 RETURNING id`,
		string(model.StatusPending), time.Now().UTC(), companyID, cutoff,
	)
}

func (s *PostgresStore) ResetStuckStaging(ctx context.Context, stale time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-stale)
	return s.collectIDs(ctx, "postgres: reset stuck staging",
		`UPDATE staging SET status = $1, updated_at = $2
		 WHERE status = $3 AND NOT defunct AND updated_at < $4
		 RETURNING id`,
		string(model.StatusPending), time.Now().UTC(), string(model.StatusProcessing), cutoff,
	)
}

// Statistics

var statisticCols = []string{
	"id", "company_id", "staging_id", "staging_ids", "claim", "evaluation", "score",
	"breakdown", "category", "justification", "recommendations", "comparison_analysis",
	"embedding", "status", "defunct", "created_at", "updated_at",
}

func (s *PostgresStore) BatchCreateStatistics(ctx context.Context, stats []model.Statistic) error {
	if len(stats) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(stats))
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

		row, err := statisticRowPG(st)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "statistics",
		Columns:      statisticCols,
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: batch insert statistics")
}

func statisticRowPG(st *model.Statistic) ([]any, error) {
	stagingIDs, err := json.Marshal(st.StagingIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal staging ids")
	}
	breakdown, err := json.Marshal(st.Breakdown)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal breakdown")
	}
	justification, err := json.Marshal(st.Justification)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal justification")
	}

	var recommendations []byte
	if len(st.Recommendations) > 0 {
		recommendations, err = json.Marshal(st.Recommendations)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal recommendations")
		}
	}
	var analysis []byte
	if len(st.ComparisonAnalysis) > 0 {
		analysis = st.ComparisonAnalysis
	}
	var embedding []byte
	if len(st.Embedding) > 0 {
		embedding, err = json.Marshal(st.Embedding)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal embedding")
		}
	}

	return []any{
		st.ID, st.CompanyID, st.PrimaryStagingID(), stagingIDs, st.Claim, st.Evaluation, st.Score,
		breakdown, string(st.Category), justification, recommendations, analysis, embedding,
		string(st.Status), st.Defunct, st.CreatedAt, st.UpdatedAt,
	}, nil
}

const selectStatisticPG = `SELECT id, company_id, staging_ids, claim, evaluation, score, breakdown,
	category, justification, recommendations, comparison_analysis, embedding, status, defunct,
	created_at, updated_at FROM statistics`

func (s *PostgresStore) GetStatistic(ctx context.Context, id string) (*model.Statistic, error) {
	row := s.pool.QueryRow(ctx, selectStatisticPG+` WHERE id = $1`, id)
	st, err := scanStatisticPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("statistic not found")
	}
	return st, err
}

func scanStatisticPG(row pgx.Row) (*model.Statistic, error) {
	var st model.Statistic
	var stagingIDs, breakdown, justification []byte
	var recommendations, analysis, embedding []byte
	var status, category string

	err := row.Scan(&st.ID, &st.CompanyID, &stagingIDs, &st.Claim, &st.Evaluation, &st.Score,
		&breakdown, &category, &justification, &recommendations, &analysis, &embedding,
		&status, &st.Defunct, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan statistic")
	}

	st.Status = model.RecordStatus(status)
	st.Category = model.ClaimCategory(category)

	if err := json.Unmarshal(stagingIDs, &st.StagingIDs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal staging ids")
	}
	if err := json.Unmarshal(breakdown, &st.Breakdown); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal breakdown")
	}
	if err := json.Unmarshal(justification, &st.Justification); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal justification")
	}
	if len(recommendations) > 0 {
		if err := json.Unmarshal(recommendations, &st.Recommendations); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal recommendations")
		}
	}
	if len(analysis) > 0 {
		st.ComparisonAnalysis = analysis
	}
	if len(embedding) > 0 {
		if err := json.Unmarshal(embedding, &st.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding")
		}
	}
	return &st, nil
}

func (s *PostgresStore) UpdateStatisticStatus(ctx context.Context, id string, status model.RecordStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE statistics SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update statistic status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("statistic not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) SetStatisticEmbedding(ctx context.Context, id string, embedding []float32) error {
	b, err := json.Marshal(embedding)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE statistics SET embedding = $1, updated_at = $2 WHERE id = $3`,
		b, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set statistic embedding %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("statistic not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateStatisticResolution(ctx context.Context, id string, analysis []byte, defunct bool) error {
	var analysisVal []byte
	if len(analysis) > 0 {
		analysisVal = analysis
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE statistics SET comparison_analysis = $1, defunct = $2, status = $3, updated_at = $4 WHERE id = $5`,
		analysisVal, defunct, string(model.StatusProcessed), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve statistic %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("statistic not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListStatistics(ctx context.Context, companyID string, includeDefunct bool) ([]model.Statistic, error) {
	query := selectStatisticPG + ` WHERE company_id = $1`
	if !includeDefunct {
		query += ` AND NOT defunct`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list statistics")
	}
	defer rows.Close()
	return collectStatisticsPG(rows)
}

func (s *PostgresStore) ListStatisticsByStatus(ctx context.Context, companyID string, status model.RecordStatus) ([]model.Statistic, error) {
	rows, err := s.pool.Query(ctx,
		selectStatisticPG+` WHERE company_id = $1 AND status = $2 AND NOT defunct ORDER BY created_at`,
		companyID, string(status),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list statistics by status")
	}
	defer rows.Close()
	return collectStatisticsPG(rows)
}

func collectStatisticsPG(rows pgx.Rows) ([]model.Statistic, error) {
	var out []model.Statistic
	for rows.Next() {
		st, err := scanStatisticPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: statistics iterate")
}

func (s *PostgresStore) CountStatisticsByStatus(ctx context.Context, companyID string) (map[model.RecordStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM statistics WHERE company_id = $1 AND NOT defunct GROUP BY status`,
		companyID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count statistics")
	}
	defer rows.Close()
	return scanStatusCountsPG(rows)
}

func (s *PostgresStore) CountProcessingStatistics(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM statistics WHERE status = 'PROCESSING' AND NOT defunct`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: count processing statistics")
}

func (s *PostgresStore) DeleteStatisticsForStaging(ctx context.Context, stagingIDs []string) (int, error) {
	if len(stagingIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM statistics WHERE staging_id = ANY($1)`,
		stagingIDs,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete statistics for staging")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) DefunctStatisticsForStaging(ctx context.Context, stagingIDs []string) (int, error) {
	if len(stagingIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE statistics SET defunct = TRUE, updated_at = $1 WHERE staging_id = ANY($2)`,
		time.Now().UTC(), stagingIDs,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: defunct statistics for staging")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) ResetStuckStatistics(ctx context.Context, stale time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-stale)
	return s.collectIDs(ctx, "postgres: reset stuck statistics",
		`UPDATE statistics SET status = $1, updated_at = $2
		 WHERE status = $3 AND NOT defunct AND updated_at < $4
		 RETURNING id`,
		string(model.StatusPending), time.Now().UTC(), string(model.StatusProcessing), cutoff,
	)
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, staging_id, statistic_id, thread_id, remote_run_id, status, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.StagingID, run.StatisticID, run.ThreadID, run.RemoteRunID, string(run.Status), run.LastError, now, now,
	)
	return eris.Wrap(err, "postgres: insert run")
}

func (s *PostgresStore) UpdateRun(ctx context.Context, id string, status model.RunStatus, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4`,
		string(status), lastError, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", id)
	}
	return nil
}

// Jobs

func (s *PostgresStore) EnqueueJob(ctx context.Context, queue, kind string, payload []byte, runAt time.Time, maxAttempts int) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, queue, kind, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9)`,
		id, queue, kind, payload, string(model.JobPending), maxAttempts, runAt.UTC(), now, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: enqueue %s", kind)
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

func (s *PostgresStore) DequeueJob(ctx context.Context, queue string, lease time.Duration) (*model.Job, error) {
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $1, attempts = attempts + 1, lease_expires_at = $2, updated_at = $3
		 WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $4 AND status = $5 AND run_at <= $6
			ORDER BY run_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, queue, kind, payload, status, attempts, max_attempts, run_at, lease_expires_at, last_error, created_at, updated_at`,
		string(model.JobLeased), now.Add(lease), now, queue, string(model.JobPending), now,
	)

	job, err := scanJobPG(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue job")
	}
	return job, nil
}

func scanJobPG(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var status string
	var lease *time.Time

	err := row.Scan(&j.ID, &j.Queue, &j.Kind, &j.Payload, &status, &j.Attempts, &j.MaxAttempts,
		&j.RunAt, &lease, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if lease != nil {
		j.LeaseExpiresAt = *lease
	}
	return &j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'done', updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id string, jobErr string, retryAt time.Time) error {
	now := time.Now().UTC()
	if retryAt.IsZero() {
		retryAt = now
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			status = CASE WHEN attempts >= max_attempts THEN $1 ELSE $2 END,
			run_at = $3, last_error = $4, lease_expires_at = NULL, updated_at = $5
		 WHERE id = $6`,
		string(model.JobDead), string(model.JobPending), retryAt.UTC(), jobErr, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ReclaimExpiredJobs(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, lease_expires_at = NULL, updated_at = $2
		 WHERE status = $3 AND lease_expires_at IS NOT NULL AND lease_expires_at < $4`,
		string(model.JobPending), now, string(model.JobLeased), now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reclaim expired jobs")
	}
	return int(tag.RowsAffected()), nil
}

// helpers

func (s *PostgresStore) collectIDs(ctx context.Context, wrapMsg, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, wrapMsg)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, wrapMsg)
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), wrapMsg)
}

func scanStatusCountsPG(rows pgx.Rows) (map[model.RecordStatus]int, error) {
	counts := make(map[model.RecordStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.RecordStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: status counts iterate")
}
