package engine

import (
	"runtime"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/aspenkv/aspen/lib/engine/commit"
	"github.com/aspenkv/aspen/lib/engine/deltamain"
	"github.com/aspenkv/aspen/lib/engine/pagepool"
	"github.com/aspenkv/aspen/lib/engine/smr"
)

// Engine is one storage engine instance. All tables share its page pool and
// reclamation domain; a background goroutine runs collector passes at the
// configured interval.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	cfg Config
	log *logrus.Entry

	pool    *pagepool.Pool
	dom     *smr.Domain
	commits *commit.Manager
	gc      *deltamain.GC

	createMu sync.Mutex
	tables   *xsync.MapOf[string, *deltamain.Table]

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an engine from the given settings and starts its collector
// loop
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	pool, err := pagepool.New(cfg.PoolPages, cfg.PageSize)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		log:     logrus.WithField("component", "engine"),
		pool:    pool,
		dom:     smr.New(),
		commits: commit.NewManager(),
		gc:      deltamain.NewGC(runtime.GOMAXPROCS(0)),
		tables:  xsync.NewMapOf[string, *deltamain.Table](),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	e.log.WithFields(logrus.Fields{
		"page_size":  cfg.PageSize,
		"pool_pages": cfg.PoolPages,
	}).Info("engine started")

	go e.gcLoop()
	return e, nil
}

// CreateTable creates the named table. If the table already exists it is
// returned with created set to false.
func (e *Engine) CreateTable(name string) (*deltamain.Table, bool, error) {
	e.createMu.Lock()
	defer e.createMu.Unlock()

	if t, ok := e.tables.Load(name); ok {
		return t, false, nil
	}
	t, err := deltamain.NewTable(name, e.pool, e.dom)
	if err != nil {
		return nil, false, err
	}
	e.tables.Store(name, t)
	e.log.WithField("table", name).Info("table created")
	return t, true, nil
}

// GetTable resolves a table by name
func (e *Engine) GetTable(name string) (*deltamain.Table, bool) {
	return e.tables.Load(name)
}

// Tables returns a snapshot of all tables
func (e *Engine) Tables() []*deltamain.Table {
	out := make([]*deltamain.Table, 0, e.tables.Size())
	e.tables.Range(func(_ string, t *deltamain.Table) bool {
		out = append(out, t)
		return true
	})
	return out
}

// Commits returns the engine's commit version clock
func (e *Engine) Commits() *commit.Manager {
	return e.commits
}

// Pool returns the engine's page pool
func (e *Engine) Pool() *pagepool.Pool {
	return e.pool
}

// Close stops the collector loop, waits for an in-flight pass to finish and
// reclaims retired pages. Close is idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stop)
		<-e.done
		e.dom.Flush()
		e.log.Info("engine stopped")
	})
}

// gcLoop runs collector passes until the engine closes
func (e *Engine) gcLoop() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.GCInterval())
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.runGC()
		}
	}
}

// runGC performs one collector pass over all tables and returns retired
// pages to the pool
func (e *Engine) runGC() {
	tables := e.Tables()
	if len(tables) == 0 {
		return
	}

	lowest := e.commits.LowestActiveVersion()
	if err := e.gc.Run(tables, lowest); err != nil {
		e.log.WithError(err).Warn("collector pass incomplete")
	}
	e.dom.Flush()
}
