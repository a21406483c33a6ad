package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ecotiles/tileserv/internal/db"
	"github.com/ecotiles/tileserv/internal/tileserr"
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

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS points (
	id          TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	lat         DOUBLE PRECISION NOT NULL,
	lon         DOUBLE PRECISION NOT NULL,
	enhance     BOOLEAN NOT NULL DEFAULT false,
	cached      BOOLEAN NOT NULL DEFAULT false,
	cached_at   TIMESTAMPTZ,
	stats       JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaigns (
	id           TEXT PRIMARY KEY,
	layer        TEXT NOT NULL,
	year_start   INTEGER NOT NULL,
	year_end     INTEGER NOT NULL,
	vis_params   JSONB NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL DEFAULT 'pending',
	stats        JSONB NOT NULL DEFAULT '{}',
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	config     JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	progress   DOUBLE PRECISION NOT NULL DEFAULT 0,
	artifacts  JSONB NOT NULL DEFAULT '[]',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	breaker_open  BOOLEAN NOT NULL DEFAULT false,
	stack         TEXT,
	resolved      BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_points_campaign ON points(campaign_id);
CREATE INDEX IF NOT EXISTS idx_points_campaign_cached ON points(campaign_id, cached);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_kind ON jobs(kind);
CREATE INDEX IF NOT EXISTS idx_tile_errors_campaign ON tile_errors(campaign_id);
CREATE INDEX IF NOT EXISTS idx_tile_errors_resolved ON tile_errors(resolved, created_at);
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

func (s *PostgresStore) CreatePoint(ctx context.Context, p Point) (*Point, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = time.Now().UTC()

	statsJSON, err := json.Marshal(p.Stats)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal point stats")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO points (id, campaign_id, lat, lon, enhance, cached, cached_at, stats, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.CampaignID, p.Lat, p.Lon, p.Enhance, p.Cached, p.CachedAt, statsJSON, p.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert point")
	}
	return &p, nil
}

func (s *PostgresStore) GetPoint(ctx context.Context, id string) (*Point, error) {
	var p Point
	var statsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, campaign_id, lat, lon, enhance, cached, cached_at, stats, created_at
		 FROM points WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.CampaignID, &p.Lat, &p.Lon, &p.Enhance, &p.Cached, &p.CachedAt, &statsJSON, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tileserr.NotFoundf("postgres: point %s not found", id)
		}
		return nil, eris.Wrapf(err, "postgres: get point %s", id)
	}
	if err := json.Unmarshal(statsJSON, &p.Stats); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal point stats")
	}
	return &p, nil
}

func (s *PostgresStore) ListPoints(ctx context.Context, filter PointFilter) ([]Point, error) {
	query := `SELECT id, campaign_id, lat, lon, enhance, cached, cached_at, stats, created_at
	          FROM points WHERE true`
	args := []any{}
	argIdx := 1

	if filter.CampaignID != "" {
		query += fmt.Sprintf(` AND campaign_id = $%d`, argIdx)
		args = append(args, filter.CampaignID)
		argIdx++
	}
	if filter.OnlyUncached {
		query += ` AND cached = false`
	}
	query += ` ORDER BY enhance DESC, created_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list points")
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var statsJSON []byte
		if err := rows.Scan(&p.ID, &p.CampaignID, &p.Lat, &p.Lon, &p.Enhance, &p.Cached, &p.CachedAt, &statsJSON, &p.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan point")
		}
		if err := json.Unmarshal(statsJSON, &p.Stats); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal point stats")
		}
		points = append(points, p)
	}
	return points, eris.Wrap(rows.Err(), "postgres: list points iterate")
}

func (s *PostgresStore) MarkPointCached(ctx context.Context, id string, stats CacheStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal point stats")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE points SET cached = true, cached_at = $1, stats = $2 WHERE id = $3`,
		time.Now().UTC(), statsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark point cached %s", id)
	}
	if tag.RowsAffected() == 0 {
		return tileserr.NotFoundf("postgres: point %s not found", id)
	}
	return nil
}

func (s *PostgresStore) MarkPointUncached(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE points SET cached = false, cached_at = NULL WHERE id = $1`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark point uncached %s", id)
	}
	if tag.RowsAffected() == 0 {
		return tileserr.NotFoundf("postgres: point %s not found", id)
	}
	return nil
}

func (s *PostgresStore) MarkPointsUncached(ctx context.Context, campaignID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE points SET cached = false, cached_at = NULL WHERE campaign_id = $1`,
		campaignID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: mark points uncached %s", campaignID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountCachedPoints(ctx context.Context, campaignID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM points WHERE campaign_id = $1 AND cached = true`,
		campaignID,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count cached points")
}

func (s *PostgresStore) CreateCampaign(ctx context.Context, c Campaign) (*Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = CampaignPending
	}
	c.CreatedAt = time.Now().UTC()

	visJSON, err := json.Marshal(c.VisParams)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal vis params")
	}
	statsJSON, err := json.Marshal(c.Stats)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal campaign stats")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO campaigns (id, layer, year_start, year_end, vis_params, status, stats, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Layer, c.YearStart, c.YearEnd, visJSON, string(c.Status), statsJSON, c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert campaign")
	}
	return &c, nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c Campaign
	var visJSON, statsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, layer, year_start, year_end, vis_params, status, stats, started_at, completed_at, created_at
		 FROM campaigns WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Layer, &c.YearStart, &c.YearEnd, &visJSON, &c.Status, &statsJSON, &c.StartedAt, &c.CompletedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tileserr.NotFoundf("postgres: campaign %s not found", id)
		}
		return nil, eris.Wrapf(err, "postgres: get campaign %s", id)
	}
	if err := json.Unmarshal(visJSON, &c.VisParams); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal vis params")
	}
	if err := json.Unmarshal(statsJSON, &c.Stats); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal campaign stats")
	}
	return &c, nil
}

func (s *PostgresStore) SetCampaignStatus(ctx context.Context, id string, status CampaignStatus) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET status = $1,
		   started_at   = CASE WHEN $1 = 'in_progress' THEN $2 ELSE started_at END,
		   completed_at = CASE WHEN $1 IN ('completed', 'failed') THEN $2 ELSE completed_at END
		 WHERE id = $3`,
		string(status), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set campaign status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return tileserr.NotFoundf("postgres: campaign %s not found", id)
	}
	return nil
}

func (s *PostgresStore) UpdateCampaignStats(ctx context.Context, id string, stats CampaignStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal campaign stats")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE campaigns SET stats = $1 WHERE id = $2`,
		statsJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update campaign stats %s", id)
	}
	if tag.RowsAffected() == 0 {
		return tileserr.NotFoundf("postgres: campaign %s not found", id)
	}
	return nil
}

func (s *PostgresStore) UpsertJob(ctx context.Context, kind string, config json.RawMessage) (*Job, bool, error) {
	var parsed any
	if err := json.Unmarshal(config, &parsed); err != nil {
		return nil, false, eris.Wrap(err, "postgres: parse job config")
	}
	id, err := JobID(kind, parsed)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, config, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (id) DO NOTHING`,
		id, kind, []byte(config), string(JobPending), now,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: upsert job")
	}
	created := tag.RowsAffected() > 0

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return job, created, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	var artifactsJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, config, status, progress, artifacts, error, created_at, updated_at
		 FROM jobs WHERE id = $1`,
		id,
	).Scan(&j.ID, &j.Kind, &j.Config, &j.Status, &j.Progress, &artifactsJSON, &j.Error, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tileserr.NotFoundf("postgres: job %s not found", id)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	if err := json.Unmarshal(artifactsJSON, &j.Artifacts); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job artifacts")
	}
	return &j, nil
}

// SetJobStatus moves a job between states. Terminal states are
// immutable: updating a completed, failed or cancelled job is a no-op.
func (s *PostgresStore) SetJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, updated_at = $3
		 WHERE id = $4 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job status %s", id)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a terminal job from an unknown one.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) SetJobProgress(ctx context.Context, id string, progress float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET progress = $1, updated_at = $2 WHERE id = $3`,
		progress, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return tileserr.NotFoundf("postgres: job %s not found", id)
	}
	return nil
}

func (s *PostgresStore) AppendJobArtifact(ctx context.Context, id string, artifact string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET artifacts = artifacts || to_jsonb($1::text), updated_at = $2 WHERE id = $3`,
		artifact, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: append job artifact %s", id)
	}
	if tag.RowsAffected() == 0 {
		return tileserr.NotFoundf("postgres: job %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := `SELECT id, kind, config, status, progress, artifacts, error, created_at, updated_at
	          FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(` AND kind = $%d`, argIdx)
		args = append(args, filter.Kind)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var artifactsJSON []byte
		if err := rows.Scan(&j.ID, &j.Kind, &j.Config, &j.Status, &j.Progress, &artifactsJSON, &j.Error, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if err := json.Unmarshal(artifactsJSON, &j.Artifacts); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job artifacts")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) LogTileError(ctx context.Context, e TileError) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tile_errors
		 (id, point_id, campaign_id, task_name, z, x, y, year, vis_param, grid_key,
		  error_type, error_message, attempts, breaker_open, stack, resolved, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		e.ID, e.PointID, e.CampaignID, e.TaskName, e.Z, e.X, e.Y, e.Year, e.VisParam, e.GridKey,
		e.ErrorType, e.ErrorMessage, e.Attempts, e.BreakerOpen, e.Stack, e.Resolved, e.CreatedAt,
	)
	return eris.Wrap(err, "postgres: log tile error")
}

func (s *PostgresStore) ListTileErrors(ctx context.Context, filter TileErrorFilter) ([]TileError, error) {
	query := `SELECT id, point_id, campaign_id, task_name, z, x, y, year, vis_param, grid_key,
	                 error_type, error_message, attempts, breaker_open, stack, resolved, created_at
	          FROM tile_errors WHERE true`
	args := []any{}
	argIdx := 1

	if filter.CampaignID != "" {
		query += fmt.Sprintf(` AND campaign_id = $%d`, argIdx)
		args = append(args, filter.CampaignID)
		argIdx++
	}
	if filter.Unresolved {
		query += ` AND resolved = false`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tile errors")
	}
	defer rows.Close()

	var out []TileError
	for rows.Next() {
		var e TileError
		if err := rows.Scan(&e.ID, &e.PointID, &e.CampaignID, &e.TaskName, &e.Z, &e.X, &e.Y, &e.Year,
			&e.VisParam, &e.GridKey, &e.ErrorType, &e.ErrorMessage, &e.Attempts, &e.BreakerOpen,
			&e.Stack, &e.Resolved, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan tile error")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tile errors iterate")
}

func (s *PostgresStore) DeleteResolvedTileErrors(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM tile_errors WHERE resolved = true AND created_at < $1`,
		time.Now().UTC().Add(-olderThan),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete resolved tile errors")
	}
	return int(tag.RowsAffected()), nil
}
