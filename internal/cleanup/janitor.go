// Package cleanup keeps the cache tiers tidy: it collects L2 records
// close to expiry or stuck without one, removes L3 objects whose metadata
// is gone, and samples the keyspace for a usage report.
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/cache"
)

// expiryHorizon marks an L2 record as collectable: anything expiring
// within it will be re-materialized on the next request anyway.
const expiryHorizon = 24 * time.Hour

// Janitor runs the maintenance passes over L2 and L3.
type Janitor struct {
	l2  cache.L2
	l3  cache.L3
	log *zap.Logger
}

func NewJanitor(l2 cache.L2, l3 cache.L3) *Janitor {
	return &Janitor{
		l2:  l2,
		l3:  l3,
		log: zap.L().With(zap.String("component", "cleanup")),
	}
}

// ExpiredReport summarizes one CleanupExpired pass.
type ExpiredReport struct {
	DryRun     bool           `json:"dry_run"`
	Scanned    int            `json:"scanned"`
	Collected  int            `json:"collected"`
	Deleted    int            `json:"deleted"`
	BytesFreed int64          `json:"bytes_freed"`
	Categories map[string]int `json:"categories"`
}

// CleanupExpired scans L2 for records expiring within the horizon or
// carrying no expiry at all (an anomaly: every record is written with a
// ttl) and deletes them. With dryRun the pass only counts. maxItems
// bounds the scan; 0 means no cap.
func (j *Janitor) CleanupExpired(ctx context.Context, dryRun bool, maxItems int) (ExpiredReport, error) {
	report := ExpiredReport{
		DryRun:     dryRun,
		Categories: map[string]int{},
	}

	keys, err := j.l2.Scan(ctx, "*", maxItems)
	if err != nil {
		return report, eris.Wrap(err, "cleanup: scan l2")
	}
	report.Scanned = len(keys)

	var doomed []string
	for _, key := range keys {
		if strings.HasPrefix(key, cache.LockPrefix) {
			// Live singleflight locks are short by construction; deleting
			// one would let a second producer in.
			continue
		}
		ttl, ok, err := j.l2.TTL(ctx, key)
		if err != nil {
			return report, eris.Wrap(err, "cleanup: ttl")
		}
		if !ok {
			continue // expired between scan and check
		}
		noExpiry := ttl < 0
		if !noExpiry && ttl >= expiryHorizon {
			continue
		}
		if noExpiry {
			j.log.Warn("l2 record without expiry", zap.String("key", key))
		}

		report.Collected++
		report.Categories[categorize(key)]++
		if strings.HasPrefix(key, cache.TilePrefix) {
			report.BytesFreed += j.recordSize(ctx, key)
		}
		doomed = append(doomed, key)
	}

	if dryRun || len(doomed) == 0 {
		return report, nil
	}
	deleted, err := j.l2.Del(ctx, doomed...)
	if err != nil {
		return report, eris.Wrap(err, "cleanup: delete expired")
	}
	report.Deleted = deleted
	j.log.Info("expired records collected",
		zap.Int("scanned", report.Scanned),
		zap.Int("deleted", report.Deleted),
		zap.Int64("bytes_freed", report.BytesFreed))
	return report, nil
}

func (j *Janitor) recordSize(ctx context.Context, key string) int64 {
	fields, err := j.l2.GetHash(ctx, key)
	if err != nil {
		return 0
	}
	size, _ := strconv.ParseInt(fields["size"], 10, 64)
	return size
}

func categorize(key string) string {
	switch {
	case strings.HasPrefix(key, cache.TilePrefix):
		return "tile"
	case strings.HasPrefix(key, cache.MetaPrefix):
		return "meta"
	case strings.HasPrefix(key, cache.LockPrefix):
		return "lock"
	default:
		return "other"
	}
}

// OrphanReport summarizes one CleanupOrphaned pass.
type OrphanReport struct {
	Listed     int   `json:"listed"`
	Orphans    int   `json:"orphans"`
	Deleted    int   `json:"deleted"`
	BytesFreed int64 `json:"bytes_freed"`
}

// orphanBatchSize caps one deletion round trip.
const orphanBatchSize = 1000

// CleanupOrphaned lists L3 objects under prefix and removes every object
// whose L2 tile record no longer exists. The payload without metadata is
// unreachable: GetPNG never consults L3 directly.
func (j *Janitor) CleanupOrphaned(ctx context.Context, prefix string, maxObjects int) (OrphanReport, error) {
	var report OrphanReport
	if prefix == "" {
		prefix = "tiles/"
	}

	objects, err := j.l3.List(ctx, prefix, maxObjects)
	if err != nil {
		return report, eris.Wrap(err, "cleanup: list l3")
	}
	report.Listed = len(objects)

	var doomed []string
	var doomedBytes int64
	for _, obj := range objects {
		cacheKey, ok := cacheKeyOfObject(obj.Key)
		if !ok {
			continue
		}
		_, exists, err := j.l2.TTL(ctx, cache.TilePrefix+cacheKey)
		if err != nil {
			return report, eris.Wrap(err, "cleanup: check metadata")
		}
		if exists {
			continue
		}
		report.Orphans++
		doomed = append(doomed, obj.Key)
		doomedBytes += obj.Size

		if len(doomed) >= orphanBatchSize {
			n, err := j.l3.Delete(ctx, doomed)
			if err != nil {
				return report, eris.Wrap(err, "cleanup: delete orphans")
			}
			report.Deleted += n
			doomed = doomed[:0]
		}
	}
	if len(doomed) > 0 {
		n, err := j.l3.Delete(ctx, doomed)
		if err != nil {
			return report, eris.Wrap(err, "cleanup: delete orphans")
		}
		report.Deleted += n
	}
	report.BytesFreed = doomedBytes

	j.log.Info("orphaned objects collected",
		zap.Int("listed", report.Listed),
		zap.Int("orphans", report.Orphans),
		zap.Int("deleted", report.Deleted))
	return report, nil
}

// cacheKeyOfObject inverts cache.ObjectKey: tiles/{hh}/{cache_key}.
func cacheKeyOfObject(objKey string) (string, bool) {
	parts := strings.SplitN(objKey, "/", 3)
	if len(parts) != 3 || parts[0] != "tiles" || len(parts[1]) != 2 {
		return "", false
	}
	return parts[2], true
}

// UsageReport is the sampled view of the tile keyspace.
type UsageReport struct {
	Sampled         int            `json:"sampled"`
	TotalBytes      int64          `json:"total_bytes"`
	AgeBuckets      map[string]int `json:"age_buckets"`
	TTLBuckets      map[string]int `json:"ttl_buckets"`
	SizeBuckets     map[string]int `json:"size_buckets"`
	Recommendations []string       `json:"recommendations"`
}

// AnalyzeUsage samples up to sample tile records and builds age, TTL and
// size distributions with recommendation strings.
func (j *Janitor) AnalyzeUsage(ctx context.Context, sample int) (UsageReport, error) {
	report := UsageReport{
		AgeBuckets:  map[string]int{},
		TTLBuckets:  map[string]int{},
		SizeBuckets: map[string]int{},
	}
	if sample <= 0 {
		sample = 1000
	}

	keys, err := j.l2.Scan(ctx, cache.TilePrefix+"*", sample)
	if err != nil {
		return report, eris.Wrap(err, "cleanup: scan tiles")
	}

	now := time.Now().UTC()
	var olderThan90d int
	for _, key := range keys {
		fields, err := j.l2.GetHash(ctx, key)
		if err != nil || len(fields) == 0 {
			continue
		}
		report.Sampled++

		if created, err := time.Parse(time.RFC3339, fields["created_at"]); err == nil {
			age := now.Sub(created)
			report.AgeBuckets[ageBucket(age)]++
			if age > 90*24*time.Hour {
				olderThan90d++
			}
		}
		if ttl, ok, err := j.l2.TTL(ctx, key); err == nil && ok {
			report.TTLBuckets[ttlBucket(ttl)]++
		}
		size, _ := strconv.ParseInt(fields["size"], 10, 64)
		report.TotalBytes += size
		report.SizeBuckets[sizeBucket(size)]++
	}

	if report.Sampled > 0 {
		oldPct := 100 * olderThan90d / report.Sampled
		if oldPct >= 20 {
			report.Recommendations = append(report.Recommendations, fmt.Sprintf(
				"reduce TTL: %d%% of sampled tiles are older than 90 days", oldPct))
		}
		if n := report.SizeBuckets[">100KB"]; 100*n/report.Sampled >= 30 {
			report.Recommendations = append(report.Recommendations,
				"review renderings: over 30% of sampled tiles exceed 100KB")
		}
		if n := report.TTLBuckets["<1d"]; 100*n/report.Sampled >= 50 {
			report.Recommendations = append(report.Recommendations,
				"churn warning: half the sample expires within a day")
		}
	}
	return report, nil
}

func ageBucket(d time.Duration) string {
	switch {
	case d < 7*24*time.Hour:
		return "<7d"
	case d < 30*24*time.Hour:
		return "7-30d"
	case d < 90*24*time.Hour:
		return "30-90d"
	default:
		return ">90d"
	}
}

func ttlBucket(d time.Duration) string {
	switch {
	case d < 0:
		return "none"
	case d < 24*time.Hour:
		return "<1d"
	case d < 7*24*time.Hour:
		return "1-7d"
	case d < 30*24*time.Hour:
		return "7-30d"
	default:
		return ">30d"
	}
}

func sizeBucket(size int64) string {
	switch {
	case size < 10<<10:
		return "<10KB"
	case size < 50<<10:
		return "10-50KB"
	case size < 100<<10:
		return "50-100KB"
	default:
		return ">100KB"
	}
}

// String renders the report as the operator-facing text artifact.
func (r UsageReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cache usage analysis: %d tiles sampled, %.1f MB\n",
		r.Sampled, float64(r.TotalBytes)/(1<<20))
	writeBuckets(&b, "age", r.AgeBuckets, []string{"<7d", "7-30d", "30-90d", ">90d"})
	writeBuckets(&b, "ttl", r.TTLBuckets, []string{"<1d", "1-7d", "7-30d", ">30d", "none"})
	writeBuckets(&b, "size", r.SizeBuckets, []string{"<10KB", "10-50KB", "50-100KB", ">100KB"})
	if len(r.Recommendations) > 0 {
		b.WriteString("recommendations:\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&b, "  - %s\n", rec)
		}
	}
	return b.String()
}

func writeBuckets(b *strings.Builder, label string, buckets map[string]int, order []string) {
	fmt.Fprintf(b, "%s:", label)
	seen := map[string]bool{}
	for _, k := range order {
		if v, ok := buckets[k]; ok {
			fmt.Fprintf(b, " %s=%d", k, v)
			seen[k] = true
		}
	}
	var rest []string
	for k := range buckets {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		fmt.Fprintf(b, " %s=%d", k, buckets[k])
	}
	b.WriteString("\n")
}
