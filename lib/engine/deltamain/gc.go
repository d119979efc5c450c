package deltamain

import (
	"github.com/VictoriaMetrics/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aspenkv/aspen/lib/engine/mvlog"
)

var (
	metricGCPasses    = metrics.GetOrCreateCounter("aspen_gc_passes_total")
	metricGCReclaimed = metrics.GetOrCreateCounter("aspen_gc_reclaimed_versions_total")
	metricGCRewritten = metrics.GetOrCreateCounter("aspen_gc_pages_rewritten_total")
)

// GCStats summarizes one collector pass over a table
type GCStats struct {
	RelocatedRecords  int
	ReclaimedVersions int
	FoldedKeys        int
	DroppedKeys       int
	PagesEmitted      int
	PagesFreed        int
}

// GC drives collector passes over a set of tables, fanning the per-table
// work out to a bounded number of goroutines
type GC struct {
	log      *logrus.Entry
	parallel int
}

// NewGC creates a collector driver running at most parallel table passes
// concurrently
func NewGC(parallel int) *GC {
	if parallel < 1 {
		parallel = 1
	}
	return &GC{
		log:      logrus.WithField("component", "gc"),
		parallel: parallel,
	}
}

// Run performs one pass over every table with the given reclamation
// horizon. It returns the first per-table error; the remaining tables still
// complete their passes.
func (gc *GC) Run(tables []*Table, lowest uint64) error {
	g := new(errgroup.Group)
	g.SetLimit(gc.parallel)

	for _, t := range tables {
		g.Go(func() error {
			stats, err := t.RunGC(lowest)
			if err != nil {
				gc.log.WithField("table", t.Name()).WithError(err).Warn("collector pass incomplete")
				return err
			}
			gc.log.WithFields(logrus.Fields{
				"table":     t.Name(),
				"lowest":    lowest,
				"relocated": stats.RelocatedRecords,
				"reclaimed": stats.ReclaimedVersions,
				"folded":    stats.FoldedKeys,
				"dropped":   stats.DroppedKeys,
				"emitted":   stats.PagesEmitted,
				"freed":     stats.PagesFreed,
			}).Debug("collector pass done")
			return nil
		})
	}
	return g.Wait()
}

// gcPass carries the state of one collector pass over a table, most notably
// the shared fill page that receives surviving records from all source
// pages
type gcPass struct {
	t      *Table
	lowest uint64

	fill    *Page
	emitted []*Page
	stats   GCStats
}

// ensureFill makes sure a fill page with free space exists
func (g *gcPass) ensureFill() bool {
	if g.fill != nil {
		return true
	}
	block := g.t.pool.Alloc()
	if block == nil {
		return false
	}
	g.fill = newPage(block)
	return true
}

// closeFill completes the current fill page: a page that received records
// becomes part of the new main store, an untouched one goes straight back
// to the pool
func (g *gcPass) closeFill() {
	if g.fill == nil {
		return
	}
	if g.fill.used > pageDataStart {
		g.fill.finish()
		g.emitted = append(g.emitted, g.fill)
		g.stats.PagesEmitted++
	} else {
		g.t.pool.Free(g.fill.block)
	}
	g.fill = nil
}

// place copies the record into the fill page and repoints the index. It
// returns false when no fill page can be allocated.
func (g *gcPass) place(key uint64, base Record, pending []Pending, replace bool) (bool, error) {
	for {
		if !g.ensureFill() {
			return false, errors.Errorf("deltamain: table %q: collector out of fill pages", g.t.name)
		}

		dst := g.fill.block.Data[g.fill.used:]
		written, ok := compact(dst, key, g.lowest, base, pending)
		if !ok {
			if g.fill.used == pageDataStart {
				// even an empty page cannot hold base and pendings
				// together; relocate the base alone and leave the pendings
				// buffered for a later pass
				if base.Valid() && len(pending) > 0 {
					written, ok = compact(dst, key, g.lowest, base, nil)
					if ok {
						pending = nil
						goto placed
					}
				}
				return false, errors.Errorf("deltamain: table %q: record for key %d exceeds page capacity", g.t.name, key)
			}
			g.closeFill()
			continue
		}

	placed:
		before := len(pending)
		if base.Valid() {
			before += base.VersionCount()
		}

		if written > 0 {
			rec := g.fill.RecordAt(g.fill.used)
			g.t.index.Insert(key, rec, replace)
			g.fill.used += written
			g.stats.RelocatedRecords++
			g.stats.ReclaimedVersions += before - rec.VersionCount()
		} else {
			// nothing survived, the key disappears from the store
			g.t.index.Remove(key)
			g.stats.DroppedKeys++
			g.stats.ReclaimedVersions += before
		}
		g.t.inserts.Drop(key, len(pending))
		return true, nil
	}
}

// rewritePage relocates the records of one doomed page into fill pages,
// resuming at the page's startOffset. On an error the page keeps its
// startOffset so the next pass resumes exactly at the unplaced record.
func (g *gcPass) rewritePage(p *Page) error {
	if p.startOffset == pageDataStart {
		p.doomed.Store(true)
	}

	for p.startOffset < p.used {
		r := p.RecordAt(p.startOffset)
		key := r.Key()

		ok, err := g.place(key, r, g.t.inserts.Pending(key), true)
		if !ok {
			return err
		}
		p.startOffset += r.Size()
	}

	metricGCRewritten.Inc()
	return nil
}

// foldInserts places buffered writes for keys that are not indexed yet.
// Keys still indexed keep their buffered writes: their base record sits on
// a page this pass did not finish, and folding without the base would lose
// versions.
func (g *gcPass) foldInserts() error {
	var err error
	g.t.inserts.Range(func(key uint64, ps []Pending) bool {
		if _, indexed := g.t.index.Get(key); indexed {
			return true
		}
		var ok bool
		ok, err = g.place(key, Record{}, ps, false)
		if ok {
			g.stats.FoldedKeys++
		}
		return ok
	})
	return err
}

// RunGC performs one collector pass over the table: rewrite every page that
// needs cleaning, fold the buffered writes, swap in the new main store, and
// release obsolete pages and log prefixes through smr. Passes serialize per
// table.
func (t *Table) RunGC(lowest uint64) (GCStats, error) {
	t.gcMu.Lock()
	defer t.gcMu.Unlock()

	guard := t.dom.Enter()
	defer guard.Exit()

	// marks for log truncation, captured before any fold so no entry
	// behind them can be missed
	deltaTail := t.delta.Tail()
	deltaMark := t.delta.SealedHead()
	stagingMark := t.staging.Head().Write()

	pass := &gcPass{t: t, lowest: lowest}
	metricGCPasses.Inc()

	kept := make([]*Page, 0, len(t.main))
	var passErr error

	for i, p := range t.main {
		if passErr != nil {
			kept = append(kept, p)
			continue
		}
		if !p.needsCleaning(lowest, t.inserts) {
			kept = append(kept, p)
			continue
		}
		if err := pass.rewritePage(p); err != nil {
			// resumes at p.startOffset next pass
			passErr = err
			kept = append(kept, p)
			continue
		}
		// fully relocated, the index no longer references this page
		block := p.block
		t.dom.Invoke(func() { t.pool.Free(block) })
		pass.stats.PagesFreed++
	}

	if passErr == nil {
		passErr = pass.foldInserts()
	}
	pass.closeFill()

	t.main = append(kept, pass.emitted...)

	// the logs only shrink when nothing buffered references them anymore
	if passErr == nil && t.inserts.Empty() {
		t.delta.Truncate(deltaTail, deltaMark)
		t.staging.Erase(stagingMark, nil)
	}

	metricGCReclaimed.Add(pass.stats.ReclaimedVersions)
	return pass.stats, passErr
}
