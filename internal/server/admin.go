package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/tilemath"
	"github.com/ecotiles/tileserv/internal/tileserr"
	"github.com/ecotiles/tileserv/internal/warming"
)

// campaignPointLimit bounds how many points one clear call will walk.
const campaignPointLimit = 100000

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.jsonError(w, tileserr.Wrap(tileserr.KindCacheDegraded, err, "server: cache stats"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePointStart(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.jsonError(w, tileserr.New(tileserr.KindInvalidRequest, "server: no worker attached to this process"))
		return
	}
	var body struct {
		PointID string `json:"point_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PointID == "" {
		s.jsonError(w, tileserr.InvalidRequestf("server: point_id is required"))
		return
	}

	if _, err := s.store.GetPoint(r.Context(), body.PointID); err != nil {
		s.jsonError(w, err)
		return
	}

	cfg, _ := json.Marshal(map[string]string{"point_id": body.PointID})
	job, err := s.runner.Submit(r.Context(), warming.TaskCachePoint, cfg)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": job.ID,
		"status":  job.Status,
	})
}

func (s *Server) handleCampaignStart(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.jsonError(w, tileserr.New(tileserr.KindInvalidRequest, "server: no worker attached to this process"))
		return
	}
	var body struct {
		CampaignID   string `json:"campaign_id"`
		BatchSize    int    `json:"batch_size,omitempty"`
		PriorityMode bool   `json:"priority_mode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.CampaignID == "" {
		s.jsonError(w, tileserr.InvalidRequestf("server: campaign_id is required"))
		return
	}

	if _, err := s.store.GetCampaign(r.Context(), body.CampaignID); err != nil {
		s.jsonError(w, err)
		return
	}

	cfg, _ := json.Marshal(body)
	job, err := s.runner.Submit(r.Context(), warming.TaskCacheCampaign, cfg)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id": job.ID,
		"status":  job.Status,
	})
}

func (s *Server) handlePointClear(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	point, err := s.store.GetPoint(r.Context(), id)
	if err != nil {
		s.jsonError(w, err)
		return
	}

	removed, err := s.cache.DeleteByPattern(r.Context(), tilemath.PatternPoint(point.Lat, point.Lon))
	if err != nil {
		s.jsonError(w, tileserr.Wrap(tileserr.KindCacheDegraded, err, "server: point invalidation"))
		return
	}
	if err := s.store.MarkPointUncached(r.Context(), id); err != nil {
		s.jsonError(w, err)
		return
	}

	s.log.Info("point cache cleared", zap.String("point_id", id), zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{
		"point_id":    id,
		"invalidated": removed,
	})
}

func (s *Server) handleCampaignClear(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetCampaign(r.Context(), id); err != nil {
		s.jsonError(w, err)
		return
	}

	points, err := s.store.ListPoints(r.Context(), catalog.PointFilter{
		CampaignID: id,
		Limit:      campaignPointLimit,
	})
	if err != nil {
		s.jsonError(w, err)
		return
	}

	removed := 0
	for _, p := range points {
		n, derr := s.cache.DeleteByPattern(r.Context(), tilemath.PatternPoint(p.Lat, p.Lon))
		if derr != nil {
			s.jsonError(w, tileserr.Wrap(tileserr.KindCacheDegraded, derr, "server: campaign invalidation"))
			return
		}
		removed += n
	}

	uncached, err := s.store.MarkPointsUncached(r.Context(), id)
	if err != nil {
		s.jsonError(w, err)
		return
	}

	s.log.Info("campaign cache cleared",
		zap.String("campaign_id", id),
		zap.Int("points", uncached),
		zap.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id":     id,
		"points_uncached": uncached,
		"invalidated":     removed,
	})
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := catalog.JobFilter{
		Kind:   q.Get("kind"),
		Status: catalog.JobStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.jsonError(w, tileserr.InvalidRequestf("server: limit %q is not a positive integer", v))
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	if jobs == nil {
		jobs = []catalog.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleTaskCancel requests cooperative cancellation: the status flips
// to cancelled and the running handler observes it at its next unit of
// work. Terminal jobs are left untouched.
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.jsonError(w, err)
		return
	}
	if err := s.store.SetJobStatus(r.Context(), id, catalog.JobCancelled, "operator request"); err != nil {
		s.jsonError(w, err)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": job.ID,
		"status":  job.Status,
	})
}
