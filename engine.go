package saigo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/fault"
	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/keystore"
	"github.com/hupe1980/saigo/internal/memtable"
	"github.com/hupe1980/saigo/internal/resource"
	"github.com/hupe1980/saigo/internal/segment"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/vector"
)

// ColumnValue re-exports the per-row column input of builds and writes.
type ColumnValue = segment.ColumnValue

// Row re-exports the build input row.
type Row = segment.Row

// SSTableRef describes one host SSTable to the engine: its identity, its
// on-disk size (used to group initial builds), and its rows in
// primary-key order (used to build and rebuild indexes).
type SSTableRef struct {
	ID   string
	Size int64
	Rows []Row
}

// Engine is the storage-attached index runtime: it owns column index
// descriptors, per-SSTable index state, the live memtable indexes, and
// the global build resources.
type Engine struct {
	opts   Options
	fsys   fs.FileSystem
	ctrl   *resource.Controller
	faults *fault.Registry
	logger *slog.Logger

	mu       sync.RWMutex
	closed   bool
	indexes  map[string]*columnIndex // by column
	byName   map[string]string       // index name -> column
	sstables map[string]*sstableState
}

// columnIndex tracks one declared index through its lifecycle.
type columnIndex struct {
	cfg  IndexConfig
	opts indexOptions
	col  segment.Column

	// built closes when the initial build finishes; buildErr records a
	// failed build.
	built    chan struct{}
	buildErr error

	// live is the per-memtable index; replaced atomically at flush.
	liveLiteral *memtable.LiteralIndex
	liveNumeric *memtable.NumericIndex
	liveVector  *memtable.VectorIndex

	// nonQueryable marks SSTables whose components failed validation.
	nonQueryable map[string]bool
}

// sstableState tracks one registered SSTable and its opened index state.
type sstableState struct {
	ref  SSTableRef
	desc storage.Descriptor

	mu        sync.Mutex
	keys      *keystore.Reader
	searchers map[string]*segment.ColumnSearcher
}

// NewEngine creates an index engine rooted at opts.Dir.
func NewEngine(dir string, optFns ...Option) (*Engine, error) {
	opts := Options{
		Dir:         dir,
		FS:          fs.Default,
		Logger:      slog.New(slog.DiscardHandler),
		Version:     storage.Latest,
		Parallelism: 2,
		BuildWait:   10 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Faults == nil {
		opts.Faults = &fault.Registry{}
	}
	if err := opts.FS.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Engine{
		opts:     opts,
		fsys:     opts.FS,
		ctrl:     resource.NewController(opts.Resource),
		faults:   opts.Faults,
		logger:   opts.Logger,
		indexes:  make(map[string]*columnIndex),
		byName:   make(map[string]string),
		sstables: make(map[string]*sstableState),
	}, nil
}

// Controller exposes the build resource controller, e.g. for limiter
// assertions in tests.
func (e *Engine) Controller() *resource.Controller { return e.ctrl }

// Close releases every open searcher and key map.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	sstables := make([]*sstableState, 0, len(e.sstables))
	for _, ss := range e.sstables {
		sstables = append(sstables, ss)
	}
	e.mu.Unlock()
	for _, ss := range sstables {
		ss.closeState()
	}
	return nil
}

func (ss *sstableState) closeState() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, s := range ss.searchers {
		s.Close()
	}
	ss.searchers = nil
	if ss.keys != nil {
		ss.keys.Close()
		ss.keys = nil
	}
}

func (e *Engine) descriptorFor(id string) storage.Descriptor {
	return storage.Descriptor{Dir: e.opts.Dir, SSTable: id, Version: e.opts.Version}
}

// CreateIndex validates the declaration and starts the initial build over
// every registered SSTable as a background task. Queries against the
// index block on the build up to the configured wait.
func (e *Engine) CreateIndex(ctx context.Context, cfg IndexConfig) error {
	parsed, err := validateOptions(cfg)
	if err != nil {
		return err
	}
	if cfg.Column == "" || cfg.Name == "" {
		return fmt.Errorf("%w: index and column names are required", ErrInvalidOptions)
	}
	if len(cfg.Name) > 222 {
		return fmt.Errorf("%w: index name exceeds 222 characters", ErrInvalidOptions)
	}

	ci := &columnIndex{
		cfg:          cfg,
		opts:         parsed,
		built:        make(chan struct{}),
		nonQueryable: make(map[string]bool),
	}
	ci.col, err = e.segmentColumn(cfg, parsed)
	if err != nil {
		return err
	}
	e.attachLive(ci)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, dup := e.indexes[cfg.Column]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIndexExists, cfg.Column)
	}
	if _, dup := e.byName[cfg.Name]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%w: name %s", ErrIndexExists, cfg.Name)
	}
	e.indexes[cfg.Column] = ci
	e.byName[cfg.Name] = cfg.Column
	targets := make([]*sstableState, 0, len(e.sstables))
	for _, ss := range e.sstables {
		targets = append(targets, ss)
	}
	e.mu.Unlock()

	e.ctrl.BuildStarted()
	go e.runInitialBuild(context.WithoutCancel(ctx), ci, targets)
	return nil
}

func (e *Engine) segmentColumn(cfg IndexConfig, parsed indexOptions) (segment.Column, error) {
	col := segment.Column{Name: cfg.Column}
	switch cfg.Kind {
	case IndexLiteral:
		analyzer, err := analysis.New(parsed.analyzer)
		if err != nil {
			return col, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
		col.Kind = segment.KindLiteral
		col.Analyzer = analyzer
	case IndexNumeric:
		col.Kind = segment.KindNumeric
		col.BKD = parsed.bkd
		if err := col.BKD.Validate(); err != nil {
			return col, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
		}
	case IndexVector:
		if cfg.Dimension <= 0 {
			return col, fmt.Errorf("%w: vector index requires a dimension", ErrInvalidOptions)
		}
		col.Kind = segment.KindVector
		col.Vector = vector.WriterConfig{
			Dim:        cfg.Dimension,
			Similarity: parsed.similarity,
		}
	default:
		return col, fmt.Errorf("%w: unsupported index kind", ErrInvalidOptions)
	}
	return col, nil
}

func (e *Engine) attachLive(ci *columnIndex) {
	switch ci.col.Kind {
	case segment.KindLiteral:
		ci.liveLiteral = memtable.NewLiteral(ci.col.Analyzer)
	case segment.KindNumeric:
		ci.liveNumeric = memtable.NewNumeric(ci.cfg.NumericWidth)
	case segment.KindVector:
		ci.liveVector = memtable.NewVector(vector.GraphConfig{
			Dim:        ci.cfg.Dimension,
			Similarity: ci.opts.similarity,
		})
	}
}

// runInitialBuild groups SSTables to approximately equal cumulative size
// across the parallelism target and builds the groups concurrently.
func (e *Engine) runInitialBuild(ctx context.Context, ci *columnIndex, targets []*sstableState) {
	defer e.ctrl.BuildFinished()

	buildID := uuid.NewString()
	e.logger.Info("initial index build started",
		slog.String("index", ci.cfg.Name),
		slog.String("build_id", buildID),
		slog.Int("sstables", len(targets)))

	groups := groupBySize(targets, e.opts.Parallelism)
	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groups {
		g.Go(func() error {
			if err := e.ctrl.AcquireWorker(gctx); err != nil {
				return err
			}
			defer e.ctrl.ReleaseWorker()
			for _, ss := range group {
				if err := e.buildSSTable(gctx, ss, []*columnIndex{ci}); err != nil {
					return fmt.Errorf("sstable %s: %w", ss.ref.ID, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	e.mu.Lock()
	ci.buildErr = err
	close(ci.built)
	e.mu.Unlock()
	if err != nil {
		e.logger.Error("initial index build failed",
			slog.String("index", ci.cfg.Name),
			slog.String("build_id", buildID),
			slog.Any("error", err))
		return
	}
	e.logger.Info("initial index build complete",
		slog.String("index", ci.cfg.Name),
		slog.String("build_id", buildID),
		slog.Int("sstables", len(targets)))
}

// groupBySize packs refs into at most parallelism groups of approximately
// equal cumulative on-disk size (greedy, largest first).
func groupBySize(targets []*sstableState, parallelism int) [][]*sstableState {
	if parallelism < 1 {
		parallelism = 1
	}
	if len(targets) < parallelism {
		parallelism = len(targets)
	}
	if parallelism == 0 {
		return nil
	}
	sorted := append([]*sstableState(nil), targets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ref.Size > sorted[j].ref.Size })
	groups := make([][]*sstableState, parallelism)
	sizes := make([]int64, parallelism)
	for _, ss := range sorted {
		smallest := 0
		for i := 1; i < parallelism; i++ {
			if sizes[i] < sizes[smallest] {
				smallest = i
			}
		}
		groups[smallest] = append(groups[smallest], ss)
		sizes[smallest] += ss.ref.Size
	}
	return groups
}

// buildSSTable builds the given column indexes over one SSTable.
func (e *Engine) buildSSTable(ctx context.Context, ss *sstableState, cis []*columnIndex) error {
	cols := make([]segment.Column, 0, len(cis))
	for _, ci := range cis {
		cols = append(cols, ci.col)
	}
	b, err := segment.NewBuilder(e.fsys, ss.desc, cols, e.ctrl, e.faults, e.logger)
	if err != nil {
		return err
	}
	for _, row := range ss.ref.Rows {
		if err := ctx.Err(); err != nil {
			b.Abort()
			return err
		}
		if err := b.AddRow(ctx, row); err != nil {
			b.Abort()
			return err
		}
	}
	if err := b.Finish(ctx); err != nil {
		return err
	}
	// New components supersede any previously opened state.
	ss.closeState()
	return nil
}

// AddSSTable registers a host SSTable and builds every declared index
// over it. The host calls this for SSTables born from compaction; flushes
// go through FlushMemtable.
func (e *Engine) AddSSTable(ctx context.Context, ref SSTableRef) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	ss := &sstableState{ref: ref, desc: e.descriptorFor(ref.ID)}
	e.sstables[ref.ID] = ss
	cis := make([]*columnIndex, 0, len(e.indexes))
	for _, ci := range e.indexes {
		cis = append(cis, ci)
	}
	e.mu.Unlock()

	if len(cis) == 0 {
		return nil
	}
	return e.buildSSTable(ctx, ss, cis)
}

// RemoveSSTable drops the SSTable's index state and files, e.g. after
// compaction obsoleted it.
func (e *Engine) RemoveSSTable(id string) {
	e.mu.Lock()
	ss := e.sstables[id]
	delete(e.sstables, id)
	for _, ci := range e.indexes {
		delete(ci.nonQueryable, id)
	}
	e.mu.Unlock()
	if ss == nil {
		return
	}
	ss.closeState()
	e.removeFiles(ss)
}

func (e *Engine) removeFiles(ss *sstableState) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ci := range e.indexes {
		for _, c := range ci.col.Kind.Components() {
			e.fsys.Remove(ss.desc.FileName(ci.cfg.Column, c))
		}
	}
	for _, c := range storage.PerSSTableComponents {
		e.fsys.Remove(ss.desc.FileName("", c))
	}
}

// DropIndex removes the named index: live state, per-SSTable components,
// and the descriptor.
func (e *Engine) DropIndex(name string) error {
	e.mu.Lock()
	column, ok := e.byName[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	ci := e.indexes[column]
	delete(e.byName, name)
	delete(e.indexes, column)
	sstables := make([]*sstableState, 0, len(e.sstables))
	for _, ss := range e.sstables {
		sstables = append(sstables, ss)
	}
	e.mu.Unlock()

	for _, ss := range sstables {
		ss.dropColumn(column)
		for _, c := range ci.col.Kind.Components() {
			e.fsys.Remove(ss.desc.FileName(column, c))
		}
	}
	return nil
}

func (ss *sstableState) dropColumn(column string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if s, ok := ss.searchers[column]; ok {
		s.Close()
		delete(ss.searchers, column)
	}
}

// Truncate drops all SSTable index state and resets the live indexes.
func (e *Engine) Truncate() {
	e.mu.Lock()
	sstables := e.sstables
	e.sstables = make(map[string]*sstableState)
	for _, ci := range e.indexes {
		ci.nonQueryable = make(map[string]bool)
		e.attachLive(ci)
	}
	e.mu.Unlock()
	for _, ss := range sstables {
		ss.closeState()
		e.removeFiles(ss)
	}
}

// Rebuild reconstructs the column's components for every registered
// SSTable, clearing non-queryable markings. Used after read-time
// corruption detection.
func (e *Engine) Rebuild(ctx context.Context, indexName string) error {
	e.mu.RLock()
	column, ok := e.byName[indexName]
	if !ok {
		e.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrIndexNotFound, indexName)
	}
	ci := e.indexes[column]
	sstables := make([]*sstableState, 0, len(e.sstables))
	for _, ss := range e.sstables {
		sstables = append(sstables, ss)
	}
	e.mu.RUnlock()

	for _, ss := range sstables {
		ss.dropColumn(column)
		for _, c := range ci.col.Kind.Components() {
			e.fsys.Remove(ss.desc.FileName(column, c))
		}
		if err := e.buildSSTable(ctx, ss, []*columnIndex{ci}); err != nil {
			return err
		}
	}
	e.mu.Lock()
	ci.nonQueryable = make(map[string]bool)
	e.mu.Unlock()
	e.logger.Info("index rebuilt", slog.String("index", indexName), slog.Int("sstables", len(sstables)))
	return nil
}

// isNonQueryable reports whether the column's components for an SSTable
// failed validation.
func (e *Engine) isNonQueryable(ci *columnIndex, sstableID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ci.nonQueryable[sstableID]
}

// markNonQueryable records read-time corruption for (column, sstable).
func (e *Engine) markNonQueryable(ci *columnIndex, sstableID string) {
	e.mu.Lock()
	ci.nonQueryable[sstableID] = true
	e.mu.Unlock()
	e.logger.Warn("index marked non-queryable",
		slog.String("column", ci.cfg.Column), slog.String("sstable", sstableID))
}
