package segment

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"os"
	"sort"

	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/bkd"
	"github.com/hupe1980/saigo/internal/fault"
	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/keystore"
	"github.com/hupe1980/saigo/internal/postings"
	"github.com/hupe1980/saigo/internal/resource"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/trie"
	"github.com/hupe1980/saigo/internal/vector"
	"github.com/hupe1980/saigo/model"
)

// Builder writes the index components of one SSTable. Memory is bounded
// by the shared segment-buffer limiter: when a reservation fails, the
// current segment flushes and a new one begins.
type Builder struct {
	fsys   fs.FileSystem
	desc   storage.Descriptor
	ctrl   *resource.Controller
	faults *fault.Registry
	logger *slog.Logger

	keys    *keystore.Writer
	columns []*columnBuilder
	nextRow model.RowID

	// single forces one segment per column: the memtable flush path
	// feeds terms in term order, so a mid-build segment split would break
	// row bases. The memtable itself was the bounded buffer; bytes over
	// budget go unreserved instead of splitting.
	single bool
}

// SetSingleSegment switches the builder to single-segment mode for
// memtable flushes.
func (b *Builder) SetSingleSegment(on bool) { b.single = on }

type fileState struct {
	file fs.File
	cw   *storage.ChecksumWriter
}

type columnBuilder struct {
	col   Column
	files map[storage.ComponentType]*fileState
	meta  ColumnMeta

	// Current segment state. Row ids in term/vector accumulators are
	// segment-local.
	rowBase  model.RowID
	maxLocal model.RowID
	rowSeen  map[model.RowID]bool
	terms    map[string][]model.RowID
	ordered  []string
	vectors  [][]float32
	vecRows  [][]model.RowID
	byVector map[string]int
	buffered int64
	reserved int64
}

// NewBuilder opens the component files for one SSTable build.
func NewBuilder(fsys fs.FileSystem, desc storage.Descriptor, columns []Column, ctrl *resource.Controller, faults *fault.Registry, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Builder{fsys: fsys, desc: desc, ctrl: ctrl, faults: faults, logger: logger}

	var err error
	b.keys, err = keystore.NewWriter(fsys, desc, faults)
	if err != nil {
		return nil, err
	}

	for _, col := range columns {
		cb := &columnBuilder{col: col, files: make(map[storage.ComponentType]*fileState)}
		cb.resetSegment(0)
		b.columns = append(b.columns, cb)
		for _, c := range col.Kind.Components() {
			if c.IsMarker() || c == storage.Meta {
				continue
			}
			f, err := fsys.OpenFile(desc.FileName(col.Name, c), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				b.abort(true)
				return nil, err
			}
			cb.files[c] = &fileState{file: f, cw: storage.NewChecksumWriter(f)}
		}
	}
	return b, nil
}

func (cb *columnBuilder) resetSegment(base model.RowID) {
	cb.rowBase = base
	cb.maxLocal = 0
	cb.rowSeen = make(map[model.RowID]bool)
	cb.terms = make(map[string][]model.RowID)
	cb.ordered = cb.ordered[:0]
	cb.vectors = nil
	cb.vecRows = nil
	cb.byVector = make(map[string]int)
	cb.buffered = 0
}

// AddRow indexes one row; rows must arrive in primary-key order.
func (b *Builder) AddRow(ctx context.Context, row Row) error {
	if err := b.keys.Add(row.Key); err != nil {
		return err
	}
	rowID := b.nextRow
	b.nextRow++

	for _, cb := range b.columns {
		cv, ok := row.Columns[cb.col.Name]
		if !ok {
			continue
		}
		var delta int64
		var err error
		switch cb.col.Kind {
		case KindLiteral:
			terms := cv.Terms
			if terms == nil && cv.Raw != nil {
				if terms, err = cb.col.Analyzer.Terms(cv.Raw); err != nil {
					return err
				}
			}
			for _, t := range terms {
				delta += cb.addTerm(t, rowID)
			}
		case KindNumeric:
			if cv.Raw != nil {
				delta += cb.addTerm(cv.Raw, rowID)
			}
		case KindVector:
			if cv.Vector != nil {
				if err := vector.Validate(cb.col.Vector.Similarity, cv.Vector); err != nil {
					return err
				}
				if len(cv.Vector)*4 > analysis.MaxVectorTermBytes {
					return &analysis.TermSizeError{Size: len(cv.Vector) * 4, Limit: analysis.MaxVectorTermBytes}
				}
				delta += cb.addVector(cv.Vector, rowID)
			}
		}
		if err := b.account(ctx, cb, delta); err != nil {
			return err
		}
	}
	return nil
}

// AddTerm indexes a pre-analyzed term directly; the memtable flush path
// uses this so live structures seed the writer without re-analysis.
func (b *Builder) AddTerm(ctx context.Context, column string, term []byte, rowID model.RowID) error {
	cb := b.columnByName(column)
	delta := cb.addTerm(term, rowID)
	return b.account(ctx, cb, delta)
}

// AddVectorRow indexes a vector directly for the memtable flush path.
func (b *Builder) AddVectorRow(ctx context.Context, column string, vec []float32, rowID model.RowID) error {
	cb := b.columnByName(column)
	delta := cb.addVector(vec, rowID)
	return b.account(ctx, cb, delta)
}

// AddKey appends a primary key, assigning the next dense row id.
func (b *Builder) AddKey(key model.PrimaryKey) (model.RowID, error) {
	if err := b.keys.Add(key); err != nil {
		return 0, err
	}
	id := b.nextRow
	b.nextRow++
	return id, nil
}

// account tracks buffered bytes against the limiter. When the
// reservation fails the current segment flushes immediately, carrying the
// entry that tipped the limit, and the buffer starts empty again.
func (b *Builder) account(ctx context.Context, cb *columnBuilder, delta int64) error {
	if delta == 0 {
		return nil
	}
	cb.buffered += delta
	if b.ctrl.TryReserveBuffer(delta) {
		cb.reserved += delta
		return nil
	}
	if b.single {
		// The drained memtable already holds this memory; the flush only
		// mirrors it. Over budget the byte goes unreserved rather than
		// blocking: columns drain sequentially and earlier columns keep
		// their reservation until Finish, so waiting here cannot make
		// progress.
		return nil
	}
	return b.flushSegment(ctx, cb)
}

func (b *Builder) columnByName(name string) *columnBuilder {
	for _, cb := range b.columns {
		if cb.col.Name == name {
			return cb
		}
	}
	return nil
}

func (cb *columnBuilder) addTerm(term []byte, rowID model.RowID) int64 {
	local := rowID - cb.rowBase
	t := string(term)
	ids, ok := cb.terms[t]
	if !ok {
		cb.ordered = append(cb.ordered, t)
	}
	cb.terms[t] = append(ids, local)
	cb.seeLocal(local)
	return int64(len(term)) + 8
}

func (cb *columnBuilder) seeLocal(local model.RowID) {
	cb.rowSeen[local] = true
	if local > cb.maxLocal {
		cb.maxLocal = local
	}
}

func (cb *columnBuilder) addVector(vec []float32, rowID model.RowID) int64 {
	local := rowID - cb.rowBase
	key := string(float32Bytes(vec))
	if idx, ok := cb.byVector[key]; ok {
		cb.vecRows[idx] = append(cb.vecRows[idx], local)
		cb.seeLocal(local)
		return 8
	}
	cb.byVector[key] = len(cb.vectors)
	cb.vectors = append(cb.vectors, append([]float32(nil), vec...))
	cb.vecRows = append(cb.vecRows, []model.RowID{local})
	cb.seeLocal(local)
	return int64(len(vec)*4) + 16
}

func float32Bytes(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// flushSegment writes the column's buffered segment and resets it.
func (b *Builder) flushSegment(ctx context.Context, cb *columnBuilder) error {
	if err := b.faults.Point(fault.BeforeSegmentFlush); err != nil {
		return err
	}
	if len(cb.rowSeen) == 0 {
		b.releaseColumn(cb)
		cb.resetSegment(b.segmentBase())
		return nil
	}

	// RowCount is the segment's row-id window span, so the window
	// [RowBase, RowBase+RowCount) covers every local id even when a
	// mid-row flush backed the base up.
	meta := Meta{
		RowBase:  cb.rowBase,
		RowCount: uint32(cb.maxLocal) + 1,
		Regions:  make(map[storage.ComponentType][2]uint64),
	}

	var err error
	switch cb.col.Kind {
	case KindLiteral:
		err = b.flushLiteral(cb, &meta)
	case KindNumeric:
		err = b.flushNumeric(cb, &meta)
	case KindVector:
		err = b.flushVector(ctx, cb, &meta)
	}
	if err != nil {
		return err
	}

	cb.meta.Segments = append(cb.meta.Segments, meta)
	b.logger.Debug("segment flushed",
		slog.String("column", cb.col.Name),
		slog.String("kind", cb.col.Kind.String()),
		slog.Int("rows", int(meta.RowCount)),
		slog.Int64("buffered", cb.buffered))

	b.releaseColumn(cb)
	cb.resetSegment(b.segmentBase())
	return nil
}

// segmentBase picks the row base of a fresh segment. A flush triggered
// mid-row leaves the current row able to contribute further terms, so the
// base backs up to it.
func (b *Builder) segmentBase() model.RowID {
	if b.nextRow == 0 {
		return 0
	}
	return b.nextRow - 1
}

func (b *Builder) releaseColumn(cb *columnBuilder) {
	b.ctrl.ReleaseBuffer(cb.reserved)
	cb.reserved = 0
}

func (b *Builder) flushLiteral(cb *columnBuilder, meta *Meta) error {
	if err := b.faults.Point(fault.BeforeTrieFlush); err != nil {
		return err
	}
	sort.Strings(cb.ordered)
	meta.MinTerm = []byte(cb.ordered[0])
	meta.MaxTerm = []byte(cb.ordered[len(cb.ordered)-1])

	postFile := cb.files[storage.PostingLists]
	termsFile := cb.files[storage.TermsData]
	postStart := postFile.cw.Pos()
	pw := postings.NewWriter(postFile.cw, postStart)

	offsets := make(map[string]uint64, len(cb.ordered))
	for _, t := range cb.ordered {
		ids := cb.terms[t]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		off, err := pw.Write(dedupeRows(ids))
		if err != nil {
			return err
		}
		offsets[t] = off
	}
	meta.Regions[storage.PostingLists] = [2]uint64{postStart, postFile.cw.Pos()}

	termsStart := termsFile.cw.Pos()
	tw := trie.NewWriter(termsFile.cw, termsStart)
	for _, t := range cb.ordered {
		if err := tw.Add([]byte(t), offsets[t]); err != nil {
			return err
		}
	}
	indexOff, err := tw.Finish()
	if err != nil {
		return err
	}
	meta.Regions[storage.TermsData] = [2]uint64{indexOff, termsFile.cw.Pos()}
	return nil
}

func (b *Builder) flushNumeric(cb *columnBuilder, meta *Meta) error {
	if err := b.faults.Point(fault.BeforeKDTreeFlush); err != nil {
		return err
	}
	sort.Strings(cb.ordered)
	meta.MinTerm = []byte(cb.ordered[0])
	meta.MaxTerm = []byte(cb.ordered[len(cb.ordered)-1])

	cfg := cb.col.BKD
	cfg.BytesPerValue = len(cb.ordered[0])
	bw, err := bkd.NewWriter(cfg)
	if err != nil {
		return err
	}
	for _, t := range cb.ordered {
		for _, id := range cb.terms[t] {
			if err := bw.Add([]byte(t), id); err != nil {
				return err
			}
		}
	}

	postFile := cb.files[storage.KDTreePostingLists]
	treeFile := cb.files[storage.KDTree]
	postStart := postFile.cw.Pos()
	treeStart := treeFile.cw.Pos()
	pw := postings.NewWriter(postFile.cw, postStart)
	if _, err := bw.Flush(treeFile.cw, treeStart, pw); err != nil {
		return err
	}
	meta.Regions[storage.KDTreePostingLists] = [2]uint64{postStart, postFile.cw.Pos()}
	meta.Regions[storage.KDTree] = [2]uint64{treeStart, treeFile.cw.Pos()}
	return nil
}

func (b *Builder) flushVector(ctx context.Context, cb *columnBuilder, meta *Meta) error {
	starts := map[storage.ComponentType]uint64{}
	for _, c := range []storage.ComponentType{storage.ANNGraph, storage.ANNVectors, storage.ANNPQ, storage.ANNOrdinals} {
		starts[c] = cb.files[c].cw.Pos()
	}
	for i := range cb.vecRows {
		ids := cb.vecRows[i]
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		cb.vecRows[i] = dedupeRows(ids)
	}
	unit, err := vector.WriteSegment(ctx, vector.SegmentFiles{
		Graph:    cb.files[storage.ANNGraph].cw,
		Vectors:  cb.files[storage.ANNVectors].cw,
		PQ:       cb.files[storage.ANNPQ].cw,
		Ordinals: cb.files[storage.ANNOrdinals].cw,
	}, cb.col.Vector, vector.SegmentData{Vectors: cb.vectors, RowIDs: cb.vecRows})
	if err != nil {
		return err
	}
	meta.UnitVector = unit
	for c, start := range starts {
		meta.Regions[c] = [2]uint64{start, cb.files[c].cw.Pos()}
	}
	return nil
}

func dedupeRows(ids []model.RowID) []model.RowID {
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return out
}

// Finish flushes the final segments, writes META and completion markers.
func (b *Builder) Finish(ctx context.Context) error {
	for _, cb := range b.columns {
		if err := b.flushSegment(ctx, cb); err != nil {
			b.abort(true)
			return err
		}
	}
	for _, cb := range b.columns {
		if err := b.finishColumn(cb); err != nil {
			b.abort(true)
			return err
		}
	}
	if err := b.faults.Point(fault.BeforeGroupComplete); err != nil {
		b.abort(true)
		return err
	}
	if err := b.keys.Finish(); err != nil {
		b.abort(true)
		return err
	}
	if err := storage.CreateMarker(b.fsys, b.desc.FileName("", storage.GroupCompletionMarker)); err != nil {
		b.abort(true)
		return err
	}
	b.logger.Info("sstable index built",
		slog.String("sstable", b.desc.SSTable),
		slog.Int("rows", int(b.nextRow)))
	return nil
}

func (b *Builder) finishColumn(cb *columnBuilder) error {
	if err := b.faults.Point(fault.BeforeSegmentMetaFlush); err != nil {
		return err
	}
	// Literal columns carry the terms index offsets in a separate
	// footer-pointer component, one u64 per segment.
	if cb.col.Kind == KindLiteral {
		fp := cb.files[storage.TermsFooterPointer]
		var buf []byte
		for _, s := range cb.meta.Segments {
			buf = appendUint64(buf, s.Regions[storage.TermsData][0])
		}
		if _, err := fp.cw.Write(buf); err != nil {
			return err
		}
	}

	for _, st := range cb.files {
		if err := st.cw.FinishFooter(b.desc.Version); err != nil {
			return err
		}
		if err := st.file.Close(); err != nil {
			return err
		}
	}

	metaFile, err := b.fsys.OpenFile(b.desc.FileName(cb.col.Name, storage.Meta), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	cw := storage.NewChecksumWriter(metaFile)
	if err := WriteMeta(cw, cb.meta); err != nil {
		metaFile.Close()
		return err
	}
	if err := cw.FinishFooter(b.desc.Version); err != nil {
		metaFile.Close()
		return err
	}
	if err := metaFile.Close(); err != nil {
		return err
	}

	if err := b.faults.Point(fault.BeforeColumnComplete); err != nil {
		return err
	}
	return storage.CreateMarker(b.fsys, b.desc.FileName(cb.col.Name, storage.ColumnCompletionMarker))
}

// Abort discards the build: every partial per-column file is deleted, and
// the per-SSTable files too when no column succeeded.
func (b *Builder) Abort() { b.abort(true) }

func (b *Builder) abort(removeGroup bool) {
	for _, cb := range b.columns {
		b.releaseColumn(cb)
		for _, st := range cb.files {
			st.file.Close()
		}
		for _, c := range cb.col.Kind.Components() {
			b.fsys.Remove(b.desc.FileName(cb.col.Name, c))
		}
		b.fsys.Remove(b.desc.FileName(cb.col.Name, storage.Meta))
	}
	if removeGroup {
		b.keys.Abort()
	}
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}
