// Package catalog persists the spatial catalog: points to keep warm,
// the campaigns grouping them, warming jobs, and the tile error log.
package catalog

import (
	"encoding/json"
	"time"
)

// Point marks a geographic location whose tiles should be fully cached.
type Point struct {
	ID         string     `json:"id"`
	CampaignID string     `json:"campaign_id"`
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	Enhance    bool       `json:"enhance"`
	Cached     bool       `json:"cached"`
	CachedAt   *time.Time `json:"cached_at,omitempty"`
	Stats      CacheStats `json:"cache_stats"`
	CreatedAt  time.Time  `json:"created_at"`
}

// CacheStats counts per-tile outcomes of warming one point.
type CacheStats struct {
	Scheduled int `json:"scheduled"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// CampaignStatus is the caching lifecycle of a campaign.
type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "pending"
	CampaignInProgress CampaignStatus = "in_progress"
	CampaignCompleted  CampaignStatus = "completed"
	CampaignFailed     CampaignStatus = "failed"
)

// Campaign groups many points under one rendering configuration.
type Campaign struct {
	ID          string         `json:"id"`
	Layer       string         `json:"layer"`
	YearStart   int            `json:"year_start"`
	YearEnd     int            `json:"year_end"`
	VisParams   []string       `json:"vis_params"`
	Status      CampaignStatus `json:"caching_status"`
	Stats       CampaignStats  `json:"caching_stats"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CampaignStats summarizes warming progress across a campaign's points.
type CampaignStats struct {
	TotalPoints  int `json:"total_points"`
	CachedPoints int `json:"cached_points"`
}

// JobStatus is the lifecycle of a background job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one background task submission. The ID is a digest of the
// config, so resubmitting identical work yields the same job.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Config    json.RawMessage `json:"config"`
	Status    JobStatus       `json:"status"`
	Progress  float64         `json:"progress"`
	Artifacts []string        `json:"artifacts,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TileError records one failed tile production with enough context to
// diagnose it later.
type TileError struct {
	ID           string    `json:"id"`
	PointID      string    `json:"point_id,omitempty"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	TaskName     string    `json:"task_name"`
	Z            int       `json:"z"`
	X            int       `json:"x"`
	Y            int       `json:"y"`
	Year         int       `json:"year,omitempty"`
	VisParam     string    `json:"vis_param,omitempty"`
	GridKey      string    `json:"grid_key,omitempty"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Attempts     int       `json:"attempts"`
	BreakerOpen  bool      `json:"breaker_open"`
	Stack        string    `json:"stack,omitempty"`
	Resolved     bool      `json:"resolved"`
	CreatedAt    time.Time `json:"created_at"`
}
