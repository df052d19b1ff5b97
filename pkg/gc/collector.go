// Package gc provides background garbage collection for the storage engine.
//
// Two kinds of garbage accumulate during normal operation:
//
//   - orphaned blobs: records whose reference lists emptied but whose purge
//     was interrupted by a crash, and payloads whose deletion failed after
//     the record was already gone
//   - elapsed self-destructs: nodes whose destroy timestamp passed without
//     anyone accessing them (access purges them lazily)
//
// The collector sweeps both on a fixed interval.
package gc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arborfs/arbor/internal/metrics"
	"github.com/arborfs/arbor/pkg/store/blob"
	"github.com/arborfs/arbor/pkg/store/node"
	"github.com/arborfs/arbor/pkg/tree"
)

// Config controls the collector.
type Config struct {
	// Enabled turns background collection on.
	Enabled bool

	// Interval between sweeps. Defaults to 1h.
	Interval time.Duration

	// DryRun logs what would be removed without removing it.
	DryRun bool
}

// Collector periodically removes orphaned blobs and self-destructed nodes.
// Safe for concurrent use; Start and Stop pair once.
type Collector struct {
	fs     *tree.Filesystem
	nodes  node.Store
	blobs  *blob.Store
	config  Config
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCollector creates a collector over the engine's stores. Node purging
// goes through the engine so blob references and usage accounting stay
// consistent; only orphaned blob records are touched directly.
func NewCollector(fs *tree.Filesystem, nodes node.Store, blobs *blob.Store, config Config) *Collector {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	return &Collector{
		fs:     fs,
		nodes:  nodes,
		blobs:  blobs,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background collection. No-op when disabled.
func (c *Collector) Start() {
	if !c.config.Enabled {
		log.Info().Msg("garbage collection disabled")
		return
	}
	log.Info().Dur("interval", c.config.Interval).Bool("dry_run", c.config.DryRun).
		Msg("starting garbage collector")
	c.started = true
	go c.worker()
}

// Stop signals the worker and waits for it, bounded by ctx. A no-op when the
// worker never started.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.started {
		return nil
	}
	close(c.stopCh)
	select {
	case <-c.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers one immediate sweep, blocking until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			stats, err := c.collect(ctx)
			cancel()
			if err != nil {
				log.Error().Err(err).Msg("garbage collection failed")
			} else {
				log.Info().Str("stats", stats.Summary()).Msg("garbage collection completed")
			}
		case <-c.stopCh:
			return
		}
	}
}

// collect performs a single sweep.
func (c *Collector) collect(ctx context.Context) (stats *Stats, err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.GCRuns.WithLabelValues(outcome).Inc()
	}()

	stats = &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	orphans, err := c.blobs.Orphans(ctx)
	if err != nil {
		return stats, fmt.Errorf("list orphaned blobs: %w", err)
	}
	stats.OrphanedBlobs = uint64(len(orphans))

	for _, id := range orphans {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if c.config.DryRun {
			log.Info().Str("blob", string(id)).Msg("gc dry run: would purge blob")
			continue
		}
		if err := c.blobs.Purge(ctx, id); err != nil {
			log.Warn().Str("blob", string(id)).Err(err).Msg("failed to purge orphaned blob")
			stats.Failed++
			continue
		}
		metrics.BlobsPurged.Inc()
		stats.PurgedBlobs++
	}

	expired, err := c.nodes.ExpiredDestroy(ctx, time.Now().UTC())
	if err != nil {
		return stats, fmt.Errorf("list expired nodes: %w", err)
	}
	stats.ExpiredNodes = uint64(len(expired))

	for _, id := range expired {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if c.config.DryRun {
			log.Info().Str("node_id", id.String()).Msg("gc dry run: would purge node")
			continue
		}
		// Loading with system rights trips the engine's lazy self-destruct
		// purge, which releases blobs and usage along the way. The Conflict
		// it reports is the expected outcome here.
		_, err := c.fs.Node(ctx, id, nil)
		switch {
		case err == nil:
			log.Warn().Str("node_id", id.String()).Msg("expired node survived purge")
			stats.Failed++
		case tree.IsCode(err, tree.CodeConflict), tree.IsCode(err, tree.CodeNotFound):
			stats.PurgedNodes++
		default:
			log.Warn().Str("node_id", id.String()).Err(err).Msg("failed to purge expired node")
			stats.Failed++
		}
	}

	return stats, nil
}

// Stats summarizes one sweep.
type Stats struct {
	StartTime     time.Time
	EndTime       time.Time
	OrphanedBlobs uint64
	PurgedBlobs   uint64
	ExpiredNodes  uint64
	PurgedNodes   uint64
	Failed        uint64
}

// Duration returns the sweep duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a one-line human-readable summary.
func (s *Stats) Summary() string {
	return fmt.Sprintf("orphaned_blobs=%d purged_blobs=%d expired_nodes=%d purged_nodes=%d failed=%d duration=%s",
		s.OrphanedBlobs, s.PurgedBlobs, s.ExpiredNodes, s.PurgedNodes, s.Failed, s.Duration())
}
