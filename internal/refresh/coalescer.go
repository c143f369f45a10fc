// Package refresh runs view refreshes that were deferred out of the
// writing transaction. Batch actions touch many rows; refreshing their
// views inline would stretch the transaction, so the work is parked here,
// deduplicated, and flushed on a schedule.
package refresh

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/engine"
)

// Coalescer collects deferred view refreshes and flushes them in bulk.
// Defer is safe for concurrent use and cheap; the same row deferred
// twice refreshes once.
type Coalescer struct {
	eng  *engine.Engine
	ctx  *compiler.Context
	orch *compiler.Orchestrator

	mu      sync.Mutex
	pending map[string]map[int64]bool

	cron     *cron.Cron
	runMu    sync.Mutex
	running  bool
	stopOnce sync.Once
}

// NewCoalescer creates a coalescer over the given engine and context
func NewCoalescer(eng *engine.Engine, cctx *compiler.Context) *Coalescer {
	return &Coalescer{
		eng:     eng,
		ctx:     cctx,
		orch:    compiler.NewOrchestrator(cctx),
		pending: make(map[string]map[int64]bool),
	}
}

// Defer parks one view row for the next flush
func (c *Coalescer) Defer(view string, pk int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[view] == nil {
		c.pending[view] = make(map[int64]bool)
	}
	c.pending[view][pk] = true
}

// Pending reports how many distinct rows await refresh
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, pks := range c.pending {
		n += len(pks)
	}
	return n
}

// Start begins flushing on the given interval. Calling Start twice is a
// no-op.
func (c *Coalescer) Start(interval time.Duration) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}

	c.cron = cron.New()
	spec := fmt.Sprintf("@every %s", interval)
	if _, err := c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.Flush(ctx); err != nil {
			log.Printf("[refresh] flush failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule refresh flush: %w", err)
	}
	c.cron.Start()
	c.running = true
	log.Printf("[refresh] coalescer flushing every %s", interval)
	return nil
}

// Stop halts the schedule, waits for an in-flight flush, and drains
// whatever is still pending.
func (c *Coalescer) Stop() {
	c.stopOnce.Do(func() {
		c.runMu.Lock()
		if c.cron != nil {
			<-c.cron.Stop().Done()
		}
		c.running = false
		c.runMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.Flush(ctx); err != nil {
			log.Printf("[refresh] final flush failed: %v", err)
		}
	})
}

// Flush refreshes every pending row in one transaction, in dependency
// order. A failed flush requeues the batch so nothing is lost.
func (c *Coalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.pending
	c.pending = make(map[string]map[int64]bool)
	c.mu.Unlock()

	views := make([]string, 0, len(batch))
	for v := range batch {
		views = append(views, v)
	}
	order, err := c.ctx.Views.RefreshOrder(views)
	if err != nil {
		c.requeue(batch)
		return err
	}

	start := time.Now()
	rows := 0
	err = c.eng.WithTransaction(ctx, func(tx *sql.Tx) error {
		for _, view := range order {
			for _, pk := range sortedPKs(batch[view]) {
				if err := c.orch.RefreshRow(ctx, tx, view, pk); err != nil {
					return err
				}
				rows++
			}
		}
		return nil
	})
	if err != nil {
		c.requeue(batch)
		return err
	}

	log.Printf("[refresh] flushed %d rows across %d views in %v", rows, len(order), time.Since(start))
	return nil
}

// requeue merges a failed batch back into pending. Rows deferred again
// in the meantime simply coalesce.
func (c *Coalescer) requeue(batch map[string]map[int64]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for view, pks := range batch {
		if c.pending[view] == nil {
			c.pending[view] = make(map[int64]bool)
		}
		for pk := range pks {
			c.pending[view][pk] = true
		}
	}
}

func sortedPKs(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for pk := range set {
		out = append(out, pk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
