package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/ecotiles/tileserv/internal/tileserr"
)

// SQLiteStore implements Store using modernc.org/sqlite, for
// single-node deployments and tests.
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
CREATE TABLE IF NOT EXISTS points (
	id          TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	lat         REAL NOT NULL,
	lon         REAL NOT NULL,
	enhance     INTEGER NOT NULL DEFAULT 0,
	cached      INTEGER NOT NULL DEFAULT 0,
	cached_at   DATETIME,
	stats       TEXT NOT NULL DEFAULT '{}',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS campaigns (
	id           TEXT PRIMARY KEY,
	layer        TEXT NOT NULL,
	year_start   INTEGER NOT NULL,
	year_end     INTEGER NOT NULL,
	vis_params   TEXT NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL DEFAULT 'pending',
	stats        TEXT NOT NULL DEFAULT '{}',
	started_at   DATETIME,
	completed_at DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	config     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	progress   REAL NOT NULL DEFAULT 0,
	artifacts  TEXT NOT NULL DEFAULT '[]',
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tile_errors (
	id            TEXT PRIMARY KEY,
	point_id      TEXT,
	campaign_id   TEXT,
	task_name     TEXT NOT NULL,
	z             INTEGER NOT NULL DEFAULT 0,
	x             INTEGER NOT NULL DEFAULT 0,
	y             INTEGER NOT NULL DEFAULT 0,
	year          INTEGER,
	vis_param     TEXT,
	grid_key      TEXT,
	error_type    TEXT NOT NULL,
	error_message TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	breaker_open  INTEGER NOT NULL DEFAULT 0,
	stack         TEXT,
	resolved      INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_points_campaign ON points(campaign_id);
CREATE INDEX IF NOT EXISTS idx_points_campaign_cached ON points(campaign_id, cached);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_tile_errors_campaign ON tile_errors(campaign_id);
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

func (s *SQLiteStore) CreatePoint(ctx context.Context, p Point) (*Point, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now().UTC()

	statsJSON, err := json.Marshal(p.Stats)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal point stats")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO points (id, campaign_id, lat, lon, enhance, cached, cached_at, stats, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CampaignID, p.Lat, p.Lon, p.Enhance, p.Cached, p.CachedAt, string(statsJSON), p.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert point")
	}
	return &p, nil
}

func (s *SQLiteStore) GetPoint(ctx context.Context, id string) (*Point, error) {
	var p Point
	var statsJSON string
	var cachedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, campaign_id, lat, lon, enhance, cached, cached_at, stats, created_at
		 FROM points WHERE id = ?`,
		id,
	).Scan(&p.ID, &p.CampaignID, &p.Lat, &p.Lon, &p.Enhance, &p.Cached, &cachedAt, &statsJSON, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tileserr.NotFoundf("sqlite: point %s not found", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get point %s", id)
	}
	if cachedAt.Valid {
		p.CachedAt = &cachedAt.Time
	}
	if err := json.Unmarshal([]byte(statsJSON), &p.Stats); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal point stats")
	}
	return &p, nil
}

func (s *SQLiteStore) ListPoints(ctx context.Context, filter PointFilter) ([]Point, error) {
	query := `SELECT id, campaign_id, lat, lon, enhance, cached, cached_at, stats, created_at
	          FROM points WHERE 1=1`
	args := []any{}

	if filter.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, filter.CampaignID)
	}
	if filter.OnlyUncached {
		query += ` AND cached = 0`
	}
	query += ` ORDER BY enhance DESC, created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list points")
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var statsJSON string
		var cachedAt sql.NullTime
		if err := rows.Scan(&p.ID, &p.CampaignID, &p.Lat, &p.Lon, &p.Enhance, &p.Cached, &cachedAt, &statsJSON, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan point")
		}
		if cachedAt.Valid {
			p.CachedAt = &cachedAt.Time
		}
		if err := json.Unmarshal([]byte(statsJSON), &p.Stats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal point stats")
		}
		points = append(points, p)
	}
	return points, eris.Wrap(rows.Err(), "sqlite: list points iterate")
}

func (s *SQLiteStore) MarkPointCached(ctx context.Context, id string, stats CacheStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal point stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE points SET cached = 1, cached_at = ?, stats = ? WHERE id = ?`,
		time.Now().UTC(), string(statsJSON), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark point cached %s", id)
	}
	return checkAffected(res, "point", id)
}

func (s *SQLiteStore) MarkPointUncached(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE points SET cached = 0, cached_at = NULL WHERE id = ?`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark point uncached %s", id)
	}
	return checkAffected(res, "point", id)
}

func (s *SQLiteStore) MarkPointsUncached(ctx context.Context, campaignID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE points SET cached = 0, cached_at = NULL WHERE campaign_id = ?`,
		campaignID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: mark points uncached %s", campaignID)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) CountCachedPoints(ctx context.Context, campaignID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM points WHERE campaign_id = ? AND cached = 1`,
		campaignID,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count cached points")
}

func (s *SQLiteStore) CreateCampaign(ctx context.Context, c Campaign) (*Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = CampaignPending
	}
	c.CreatedAt = time.Now().UTC()

	visJSON, err := json.Marshal(c.VisParams)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal vis params")
	}
	statsJSON, err := json.Marshal(c.Stats)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal campaign stats")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaigns (id, layer, year_start, year_end, vis_params, status, stats, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Layer, c.YearStart, c.YearEnd, string(visJSON), string(c.Status), string(statsJSON), c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert campaign")
	}
	return &c, nil
}

func (s *SQLiteStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	var visJSON, statsJSON string
	var startedAt, completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, layer, year_start, year_end, vis_params, status, stats, started_at, completed_at, created_at
		 FROM campaigns WHERE id = ?`,
		id,
	).Scan(&c.ID, &c.Layer, &c.YearStart, &c.YearEnd, &visJSON, &c.Status, &statsJSON, &startedAt, &completedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tileserr.NotFoundf("sqlite: campaign %s not found", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get campaign %s", id)
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	if err := json.Unmarshal([]byte(visJSON), &c.VisParams); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal vis params")
	}
	if err := json.Unmarshal([]byte(statsJSON), &c.Stats); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal campaign stats")
	}
	return &c, nil
}

func (s *SQLiteStore) SetCampaignStatus(ctx context.Context, id string, status CampaignStatus) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET status = ?,
		   started_at   = CASE WHEN ? = 'in_progress' THEN ? ELSE started_at END,
		   completed_at = CASE WHEN ? IN ('completed', 'failed') THEN ? ELSE completed_at END
		 WHERE id = ?`,
		string(status), string(status), now, string(status), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set campaign status %s", id)
	}
	return checkAffected(res, "campaign", id)
}

func (s *SQLiteStore) UpdateCampaignStats(ctx context.Context, id string, stats CampaignStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal campaign stats")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET stats = ? WHERE id = ?`,
		string(statsJSON), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update campaign stats %s", id)
	}
	return checkAffected(res, "campaign", id)
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, kind string, config json.RawMessage) (*Job, bool, error) {
	var parsed any
	if err := json.Unmarshal(config, &parsed); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: parse job config")
	}
	id, err := JobID(kind, parsed)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, config, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		id, kind, string(config), string(JobPending), now, now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: upsert job")
	}
	n, _ := res.RowsAffected()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, n > 0, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	var configJSON, artifactsJSON string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, config, status, progress, artifacts, error, created_at, updated_at
		 FROM jobs WHERE id = ?`,
		id,
	).Scan(&j.ID, &j.Kind, &configJSON, &j.Status, &j.Progress, &artifactsJSON, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, tileserr.NotFoundf("sqlite: job %s not found", id)
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	j.Config = json.RawMessage(configJSON)
	if err := json.Unmarshal([]byte(artifactsJSON), &j.Artifacts); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job artifacts")
	}
	return &j, nil
}

func (s *SQLiteStore) SetJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job status %s", id)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) SetJobProgress(ctx context.Context, id string, progress float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job progress %s", id)
	}
	return checkAffected(res, "job", id)
}

func (s *SQLiteStore) AppendJobArtifact(ctx context.Context, id string, artifact string) error {
	// SQLite lacks jsonb concatenation, so read-modify-write.
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	artifacts := append(job.Artifacts, artifact)
	artifactsJSON, err := json.Marshal(artifacts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job artifacts")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET artifacts = ?, updated_at = ? WHERE id = ?`,
		string(artifactsJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: append job artifact %s", id)
	}
	return checkAffected(res, "job", id)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := `SELECT id, kind, config, status, progress, artifacts, error, created_at, updated_at
	          FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var configJSON, artifactsJSON string
		if err := rows.Scan(&j.ID, &j.Kind, &configJSON, &j.Status, &j.Progress, &artifactsJSON, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		j.Config = json.RawMessage(configJSON)
		if err := json.Unmarshal([]byte(artifactsJSON), &j.Artifacts); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job artifacts")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) LogTileError(ctx context.Context, e TileError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tile_errors
		 (id, point_id, campaign_id, task_name, z, x, y, year, vis_param, grid_key,
		  error_type, error_message, attempts, breaker_open, stack, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PointID, e.CampaignID, e.TaskName, e.Z, e.X, e.Y, e.Year, e.VisParam, e.GridKey,
		e.ErrorType, e.ErrorMessage, e.Attempts, e.BreakerOpen, e.Stack, e.Resolved, e.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: log tile error")
}

func (s *SQLiteStore) ListTileErrors(ctx context.Context, filter TileErrorFilter) ([]TileError, error) {
	query := `SELECT id, point_id, campaign_id, task_name, z, x, y, year, vis_param, grid_key,
	                 error_type, error_message, attempts, breaker_open, stack, resolved, created_at
	          FROM tile_errors WHERE 1=1`
	args := []any{}

	if filter.CampaignID != "" {
		query += ` AND campaign_id = ?`
		args = append(args, filter.CampaignID)
	}
	if filter.Unresolved {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tile errors")
	}
	defer rows.Close()

	var out []TileError
	for rows.Next() {
		var e TileError
		if err := rows.Scan(&e.ID, &e.PointID, &e.CampaignID, &e.TaskName, &e.Z, &e.X, &e.Y, &e.Year,
			&e.VisParam, &e.GridKey, &e.ErrorType, &e.ErrorMessage, &e.Attempts, &e.BreakerOpen,
			&e.Stack, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tile error")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tile errors iterate")
}

func (s *SQLiteStore) DeleteResolvedTileErrors(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tile_errors WHERE resolved = 1 AND created_at < ?`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete resolved tile errors")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func checkAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return tileserr.NotFoundf("sqlite: %s %s not found", kind, id)
	}
	return nil
}
