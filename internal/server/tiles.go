package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/backend"
	"github.com/ecotiles/tileserv/internal/pipeline"
	"github.com/ecotiles/tileserv/internal/tileserr"
)

const (
	defaultRequestDeadline = 45 * time.Second
	catalogResponseTTL     = 12 * time.Hour
	defaultDateRangeDays   = 540
)

// handleTile serves GET /api/layers/{layer}/{x}/{y}/{z}. Map clients
// point raster sources here, so production failures come back as a
// rendered error tile instead of a bare status code; only a shedding
// backend surfaces as 503 so clients stop hammering it.
func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, err := s.tileRequest(r)
	if err != nil {
		s.jsonError(w, err)
		return
	}

	deadline := s.cfg.RequestDeadline
	if deadline <= 0 {
		deadline = defaultRequestDeadline
	}
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	res, err := s.pipe.ServeTile(ctx, req)
	if s.metrics != nil {
		s.metrics.ObserveTileRequest(req.Layer, string(res.Status), time.Since(start))
	}
	if err != nil {
		s.tileError(w, req, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Cache", string(res.Status))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(res.Data)
}

// tileRequest parses path and query parameters into a pipeline request.
// Omitted parameters get the defaults map clients rely on: the previous
// full year, the DRY period, and the layer's first rendering.
func (s *Server) tileRequest(r *http.Request) (pipeline.Request, error) {
	layer := chi.URLParam(r, "layer")

	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil {
		return pipeline.Request{}, tileserr.InvalidRequestf("server: x %q is not an integer", chi.URLParam(r, "x"))
	}
	y, err := strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil {
		return pipeline.Request{}, tileserr.InvalidRequestf("server: y %q is not an integer", chi.URLParam(r, "y"))
	}
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil {
		return pipeline.Request{}, tileserr.InvalidRequestf("server: z %q is not an integer", chi.URLParam(r, "z"))
	}

	q := r.URL.Query()

	year := time.Now().UTC().Year() - 1
	if v := q.Get("year"); v != "" {
		year, err = strconv.Atoi(v)
		if err != nil {
			return pipeline.Request{}, tileserr.InvalidRequestf("server: year %q is not an integer", v)
		}
	}

	period := q.Get("period")
	if period == "" {
		period = "DRY"
	}
	month := 0
	if v := q.Get("month"); v != "" {
		month, err = strconv.Atoi(v)
		if err != nil {
			return pipeline.Request{}, tileserr.InvalidRequestf("server: month %q is not an integer", v)
		}
	}

	visName := q.Get("vis")
	if visName == "" {
		names := s.reg.Names(layer)
		if len(names) == 0 {
			return pipeline.Request{}, tileserr.InvalidRequestf("server: unknown layer %q", layer)
		}
		visName = names[0]
	}

	return pipeline.Request{
		Layer:  layer,
		X:      x,
		Y:      y,
		Z:      z,
		Year:   year,
		Period: period,
		Month:  month,
		Vis:    visName,
	}, nil
}

func (s *Server) tileError(w http.ResponseWriter, req pipeline.Request, err error) {
	kind := tileserr.KindOf(err)
	switch kind {
	case tileserr.KindInvalidRequest, tileserr.KindNotFound:
		s.jsonError(w, err)
		return
	case tileserr.KindBackendUnavailable:
		w.Header().Set("X-Cache", string(pipeline.StatusError))
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "imagery backend unavailable",
			"kind":  kind.String(),
		})
		return
	}

	s.log.Error("tile production failed",
		zap.String("layer", req.Layer),
		zap.Int("z", req.Z), zap.Int("x", req.X), zap.Int("y", req.Y),
		zap.String("kind", kind.String()),
		zap.Error(err),
	)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Cache", string(pipeline.StatusError))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(tileserr.ErrorTile(fmt.Sprintf("tile %d/%d/%d: %s", req.Z, req.X, req.Y, kind)))
}

// handleCatalog serves GET /api/layers/{layer}/catalog?lat&lon&start&end.
// Responses are cached in L2 for 12h keyed on the rounded coordinates
// and the window.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	layer := chi.URLParam(r, "layer")
	if !s.reg.Layers()[layer] {
		s.jsonError(w, tileserr.NotFoundf("server: unknown layer %q", layer))
		return
	}

	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil || lat < -90 || lat > 90 {
		s.jsonError(w, tileserr.InvalidRequestf("server: lat %q outside [-90, 90]", q.Get("lat")))
		return
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil || lon < -180 || lon > 180 {
		s.jsonError(w, tileserr.InvalidRequestf("server: lon %q outside [-180, 180]", q.Get("lon")))
		return
	}
	start, err := time.Parse("2006-01-02", q.Get("start"))
	if err != nil {
		s.jsonError(w, tileserr.InvalidRequestf("server: start %q is not YYYY-MM-DD", q.Get("start")))
		return
	}
	end, err := time.Parse("2006-01-02", q.Get("end"))
	if err != nil {
		s.jsonError(w, tileserr.InvalidRequestf("server: end %q is not YYYY-MM-DD", q.Get("end")))
		return
	}
	if !end.After(start) {
		s.jsonError(w, tileserr.InvalidRequestf("server: end %s not after start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02")))
		return
	}
	maxDays := s.bcfg.MaxDateRangeDays
	if maxDays <= 0 {
		maxDays = defaultDateRangeDays
	}
	if days := int(end.Sub(start).Hours() / 24); days > maxDays {
		s.jsonError(w, tileserr.InvalidRequestf("server: window %d days exceeds %d", days, maxDays))
		return
	}

	cacheKey := fmt.Sprintf("catalog_%s_%.4f_%.4f_%s_%s",
		layer, lat, lon, start.Format("2006-01-02"), end.Format("2006-01-02"))

	if raw, cerr := s.cache.GetMeta(r.Context(), cacheKey); cerr == nil && raw != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Cache", string(pipeline.StatusHit))
		_, _ = w.Write(raw)
		return
	}

	images, err := s.imagery.Catalog(r.Context(), layer, lat, lon, start, end)
	if err != nil {
		w.Header().Set("X-Cache", string(pipeline.StatusError))
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error": err.Error(),
			"kind":  tileserr.KindOf(err).String(),
		})
		return
	}
	if images == nil {
		images = []backend.CatalogImage{}
	}

	if err := s.cache.SetMeta(r.Context(), cacheKey, images, catalogResponseTTL); err != nil {
		s.log.Warn("catalog response cache write failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, images)
}
