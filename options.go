package saigo

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/bkd"
	"github.com/hupe1980/saigo/internal/fault"
	"github.com/hupe1980/saigo/internal/fs"
	"github.com/hupe1980/saigo/internal/resource"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/vector"
)

// IndexKind discriminates the index structure built for a column.
type IndexKind int

const (
	IndexLiteral IndexKind = iota
	IndexNumeric
	IndexVector
)

func (k IndexKind) String() string {
	switch k {
	case IndexLiteral:
		return "literal"
	case IndexNumeric:
		return "numeric"
	default:
		return "vector"
	}
}

// IndexConfig declares one column index, mirroring CREATE CUSTOM INDEX.
type IndexConfig struct {
	Name   string
	Column string
	Kind   IndexKind
	Target Target

	// NumericWidth is the fixed byte width of encoded numeric values.
	NumericWidth int

	// Dimension is the vector dimensionality.
	Dimension int

	// Frozen marks a FULL index over a frozen collection, raising the
	// term size limit.
	Frozen bool

	// Options carries the raw option map from the DDL statement.
	Options map[string]string
}

// parsed index options after validation.
type indexOptions struct {
	analyzer   analysis.Options
	bkd        bkd.Config
	similarity vector.Similarity
}

var literalOptionKeys = map[string]bool{
	"case_sensitive": true, "normalize": true, "ascii": true, "index_analyzer": true,
}
var numericOptionKeys = map[string]bool{
	"bkd_postings_skip": true, "bkd_postings_min_leaves": true,
}
var vectorOptionKeys = map[string]bool{
	"similarity_function": true, "source_model": true,
}

// sourceModelSimilarity maps a declared embedding source to its default
// similarity function.
var sourceModelSimilarity = map[string]vector.Similarity{
	"ada002":           vector.DotProduct,
	"openai-v3-small":  vector.DotProduct,
	"openai-v3-large":  vector.DotProduct,
	"gecko":            vector.DotProduct,
	"bert":             vector.Cosine,
	"nv-qa-4":          vector.DotProduct,
	"cohere-v3":        vector.DotProduct,
	"other":            vector.Cosine,
}

// validateOptions checks keys, value types and kind applicability.
func validateOptions(cfg IndexConfig) (indexOptions, error) {
	out := indexOptions{
		analyzer:   analysis.Options{CaseSensitive: true, Frozen: cfg.Frozen},
		bkd:        bkd.DefaultConfig,
		similarity: vector.Cosine,
	}
	out.bkd.BytesPerValue = cfg.NumericWidth

	parseBool := func(k, v string) (bool, error) {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: %s must be a boolean, got %q", ErrInvalidOptions, k, v)
		}
		return b, nil
	}
	parsePositive := func(k, v string) (int, error) {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalidOptions, k, v)
		}
		return n, nil
	}

	for k, v := range cfg.Options {
		var err error
		switch {
		case literalOptionKeys[k]:
			if cfg.Kind != IndexLiteral {
				return out, fmt.Errorf("%w: %s applies only to literal indexes", ErrInvalidOptions, k)
			}
			switch k {
			case "case_sensitive":
				out.analyzer.CaseSensitive, err = parseBool(k, v)
			case "normalize":
				out.analyzer.Normalize, err = parseBool(k, v)
			case "ascii":
				out.analyzer.ASCII, err = parseBool(k, v)
			case "index_analyzer":
				if v != analysis.AnalyzerWhitespace {
					err = fmt.Errorf("%w: unknown index_analyzer %q", ErrInvalidOptions, v)
				}
				out.analyzer.Analyzer = v
			}
		case numericOptionKeys[k]:
			if cfg.Kind != IndexNumeric {
				return out, fmt.Errorf("%w: %s applies only to numeric indexes", ErrInvalidOptions, k)
			}
			switch k {
			case "bkd_postings_skip":
				out.bkd.PostingsSkip, err = parsePositive(k, v)
			case "bkd_postings_min_leaves":
				out.bkd.PostingsMinLeaves, err = parsePositive(k, v)
			}
		case vectorOptionKeys[k]:
			if cfg.Kind != IndexVector {
				return out, fmt.Errorf("%w: %s applies only to vector indexes", ErrInvalidOptions, k)
			}
			switch k {
			case "similarity_function":
				out.similarity, err = vector.ParseSimilarity(v)
				if err != nil {
					err = fmt.Errorf("%w: %v", ErrInvalidOptions, err)
				}
			case "source_model":
				sim, ok := sourceModelSimilarity[v]
				if !ok {
					err = fmt.Errorf("%w: unknown source_model %q", ErrInvalidOptions, v)
				} else if _, explicit := cfg.Options["similarity_function"]; !explicit {
					out.similarity = sim
				}
			}
		default:
			return out, fmt.Errorf("%w: unrecognized option %q", ErrInvalidOptions, k)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// Options configure the engine.
type Options struct {
	Dir      string
	FS       fs.FileSystem
	Logger   *slog.Logger
	Resource resource.Config
	Version  storage.Version

	// Parallelism is the initial-build worker target; input SSTables are
	// grouped to approximately equal cumulative on-disk size per worker.
	Parallelism int

	// BuildWait bounds how long a query blocks on an in-progress initial
	// build before failing with ErrIndexBuilding.
	BuildWait time.Duration

	// Faults is the test-only fault-injection registry.
	Faults *fault.Registry
}

// Option mutates engine Options.
type Option func(*Options)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithFS overrides the file system, e.g. with a FaultyFS in tests.
func WithFS(fsys fs.FileSystem) Option { return func(o *Options) { o.FS = fsys } }

// WithResource sets the global build resource limits.
func WithResource(cfg resource.Config) Option { return func(o *Options) { o.Resource = cfg } }

// WithVersion pins the on-disk format generation written by this engine.
func WithVersion(v storage.Version) Option { return func(o *Options) { o.Version = v } }

// WithParallelism sets the initial-build parallelism target.
func WithParallelism(n int) Option { return func(o *Options) { o.Parallelism = n } }

// WithBuildWait bounds query blocking on in-progress builds.
func WithBuildWait(d time.Duration) Option { return func(o *Options) { o.BuildWait = d } }

// WithFaults installs a fault-injection registry (tests only).
func WithFaults(r *fault.Registry) Option { return func(o *Options) { o.Faults = r } }
