package catalog

import (
	"context"
	"encoding/json"
	"time"
)

// PointFilter narrows ListPoints. Uncached points sort before cached
// ones and enhance-flagged points before the rest.
type PointFilter struct {
	CampaignID   string `json:"campaign_id,omitempty"`
	OnlyUncached bool   `json:"only_uncached,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Kind   string    `json:"kind,omitempty"`
	Status JobStatus `json:"status,omitempty"`
	Limit  int       `json:"limit,omitempty"`
}

// TileErrorFilter narrows ListTileErrors.
type TileErrorFilter struct {
	CampaignID string `json:"campaign_id,omitempty"`
	Unresolved bool   `json:"unresolved,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// Store is the persistence contract for the spatial catalog. Get
// methods return a NotFound-kinded error for unknown IDs.
type Store interface {
	// Points
	CreatePoint(ctx context.Context, p Point) (*Point, error)
	GetPoint(ctx context.Context, id string) (*Point, error)
	ListPoints(ctx context.Context, filter PointFilter) ([]Point, error)
	MarkPointCached(ctx context.Context, id string, stats CacheStats) error
	MarkPointUncached(ctx context.Context, id string) error
	MarkPointsUncached(ctx context.Context, campaignID string) (int, error)
	CountCachedPoints(ctx context.Context, campaignID string) (int, error)

	// Campaigns
	CreateCampaign(ctx context.Context, c Campaign) (*Campaign, error)
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	SetCampaignStatus(ctx context.Context, id string, status CampaignStatus) error
	UpdateCampaignStats(ctx context.Context, id string, stats CampaignStats) error

	// Jobs. UpsertJob inserts a pending job or returns the existing
	// record unchanged, which is what makes resubmission idempotent.
	UpsertJob(ctx context.Context, kind string, config json.RawMessage) (*Job, bool, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	SetJobStatus(ctx context.Context, id string, status JobStatus, errMsg string) error
	SetJobProgress(ctx context.Context, id string, progress float64) error
	AppendJobArtifact(ctx context.Context, id string, artifact string) error
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)

	// Tile error log
	LogTileError(ctx context.Context, e TileError) error
	ListTileErrors(ctx context.Context, filter TileErrorFilter) ([]TileError, error)
	DeleteResolvedTileErrors(ctx context.Context, olderThan time.Duration) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
