// Package engine pairs the document store with the inverted index and keeps
// the two in agreement. The store, backed by its snapshot file, is the
// source of truth; the index is derived from it and can be rebuilt at any
// time with Reindex.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/persistence"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/query"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/store"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/tracing"
)

var (
	ErrInvalidState = errors.New("engine is not ready")
	ErrDiverged     = errors.New("document indexed but not persisted")
	ErrNotFound     = errors.New("document not found")
)

// Error records the engine operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "engine " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// State is the engine lifecycle state. Closed is terminal.
type State int

const (
	StateReady State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "closed"
}

// QueryCache memoises the ids the index returns for a query over a field
// set. Advance is called after every index mutation and must make earlier
// entries unreachable.
type QueryCache interface {
	GetOrCompute(ctx context.Context, q string, fields []string, compute func() ([]string, error)) (ids []string, hit bool, err error)
	Advance()
}

// Observer is told about every document that has been indexed and persisted.
type Observer interface {
	DocumentAdded(ctx context.Context, doc document.Document)
}

// Option configures an Engine.
type Option func(*Engine)

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithCache(c QueryCache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithLimit caps the number of results a search returns.
func WithLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// ReconcileReport counts the repairs made by Reconcile.
type ReconcileReport struct {
	Reindexed int
	Removed   int
}

// Engine is the search orchestrator. All methods are safe for concurrent use.
//
// lifecycle is held shared by every operation and exclusively by Close.
// writeMu sequences index mutation with the store write that follows it, so
// concurrent adds of the same id leave the index and the store agreeing on
// the winner.
type Engine struct {
	lifecycle sync.RWMutex
	state     State
	writeMu   sync.Mutex

	store    *store.Store
	snap     *persistence.Snapshotter
	index    *index.Index
	cache    QueryCache
	observer Observer
	metrics  *metrics.Metrics
	limit    int
	logger   *slog.Logger
}

// New loads the snapshot at cfg.DataFile and opens or creates the index
// under cfg.IndexPath. A snapshot that cannot be read is logged and the
// engine starts empty, unless cfg.StrictLoad is set. Only index construction
// failures are fatal otherwise.
func New(ctx context.Context, cfg config.StorageConfig, opts ...Option) (*Engine, error) {
	e := &Engine{
		snap:   persistence.New(cfg.DataFile),
		limit:  index.DefaultLimit,
		logger: slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}

	docs, err := e.snap.Load()
	if err != nil {
		if cfg.StrictLoad {
			return nil, &Error{Op: "new", Err: err}
		}
		e.logger.Error("snapshot load failed, starting with an empty store",
			"path", cfg.DataFile,
			"error", err,
		)
		docs = nil
	}
	e.store = store.New(docs)

	ix, err := index.OpenOrCreate(cfg.IndexPath, schema.NewRegistry(), index.WithLimit(e.limit))
	if err != nil {
		return nil, &Error{Op: "new", Err: err}
	}
	e.index = ix
	e.state = StateReady
	e.setStoreGauge()

	if cfg.ReconcileOnStart {
		rep, err := e.reconcile(ctx)
		if err != nil {
			e.logger.Warn("startup reconcile failed", "error", err)
		} else if rep.Reindexed > 0 || rep.Removed > 0 {
			e.logger.Info("index reconciled with store",
				"reindexed", rep.Reindexed,
				"removed", rep.Removed,
			)
		}
	}

	e.logger.Info("engine ready",
		"data_file", cfg.DataFile,
		"index_path", cfg.IndexPath,
		"documents", e.store.Len(),
		"limit", e.limit,
	)
	return e, nil
}

// AddDocument indexes doc and commits, then stores it and rewrites the
// snapshot. An index failure leaves the store untouched. A snapshot failure
// after a successful commit rolls back the in-memory insert and returns an
// error wrapping ErrDiverged; the index keeps the document until the next
// Reconcile, and searches drop it because the store cannot resolve it.
func (e *Engine) AddDocument(ctx context.Context, doc document.Document) error {
	const op = "add_document"
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.state != StateReady {
		return &Error{Op: op, Err: ErrInvalidState}
	}
	if err := document.Validate(doc); err != nil {
		return &Error{Op: op, Err: err}
	}
	doc = doc.Clone()

	if err := e.write(doc); err != nil {
		return &Error{Op: op, Err: err}
	}
	if e.metrics != nil {
		e.metrics.DocsIndexedTotal.Inc()
	}
	if e.observer != nil {
		e.observer.DocumentAdded(ctx, doc)
	}
	return nil
}

func (e *Engine) write(doc document.Document) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	start := time.Now()
	if err := e.index.Add(doc); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.IndexCommitDuration.Observe(time.Since(start).Seconds())
	}
	if e.cache != nil {
		e.cache.Advance()
	}

	if err := e.store.Put(doc, e.persist); err != nil {
		if e.metrics != nil {
			e.metrics.StoreDivergenceTotal.Inc()
		}
		e.logger.Warn("document indexed but store write failed",
			"doc_id", doc.ID,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrDiverged, err)
	}
	e.setStoreGauge()
	return nil
}

func (e *Engine) persist(docs map[string]document.Document) error {
	start := time.Now()
	n, err := e.snap.Save(docs)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.SnapshotWriteDuration.Observe(time.Since(start).Seconds())
		e.metrics.SnapshotBytes.Set(float64(n))
	}
	return nil
}

// Search matches text against the content field.
func (e *Engine) Search(ctx context.Context, text string) ([]document.Document, error) {
	return e.search(ctx, "search", text, nil)
}

// SearchWithFields matches bare terms in text against fields, or against
// content when fields is empty. field:value clauses always target their
// named field.
func (e *Engine) SearchWithFields(ctx context.Context, text string, fields []string) ([]document.Document, error) {
	return e.search(ctx, "search_with_fields", text, fields)
}

func (e *Engine) search(ctx context.Context, op, text string, fields []string) ([]document.Document, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.state != StateReady {
		return nil, &Error{Op: op, Err: ErrInvalidState}
	}

	start := time.Now()
	_, parseSpan := tracing.StartChild(ctx, "query.parse")
	q, err := query.Parse(text)
	parseSpan.End()
	if err != nil {
		e.countSearch("parse_error")
		return nil, &Error{Op: op, Err: err}
	}
	if q.Empty() {
		e.countSearch("zero_result")
		return []document.Document{}, nil
	}
	if len(fields) == 0 {
		fields = []string{schema.FieldContent}
	}

	var ids []string
	hit := false
	lookupCtx, lookup := tracing.StartChild(ctx, "index.lookup")
	if e.cache != nil {
		ids, hit, err = e.cache.GetOrCompute(lookupCtx, q.String(), fields, func() ([]string, error) {
			return e.index.Search(lookupCtx, q, fields)
		})
	} else {
		ids, err = e.index.Search(lookupCtx, q, fields)
	}
	lookup.SetAttr("cache_hit", hit)
	lookup.SetAttr("ids", len(ids))
	lookup.End()
	if err != nil {
		e.countSearch("error")
		return nil, &Error{Op: op, Err: err}
	}

	_, resolve := tracing.StartChild(ctx, "store.resolve")
	docs := e.store.Resolve(ids)
	resolve.End()
	if dropped := len(ids) - len(docs); dropped > 0 {
		e.logger.Warn("index returned ids the store cannot resolve",
			"query", q.String(),
			"dropped", dropped,
		)
	}

	if e.metrics != nil {
		status := "miss"
		if hit {
			status = "hit"
		}
		if e.cache == nil {
			status = "disabled"
		}
		e.metrics.SearchLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
		e.metrics.SearchResultsCount.Observe(float64(len(docs)))
	}
	if len(docs) == 0 {
		e.countSearch("zero_result")
	} else {
		e.countSearch("hit")
	}
	return docs, nil
}

func (e *Engine) countSearch(resultType string) {
	if e.metrics != nil {
		e.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	}
}

// RegisterField makes metadata key name searchable for documents added from
// now on. Existing documents are not re-indexed; call Reindex for that.
func (e *Engine) RegisterField(name string) (schema.Field, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.state != StateReady {
		return schema.Field{}, &Error{Op: "register_field", Err: ErrInvalidState}
	}
	f, err := e.index.RegisterField(name)
	if err != nil {
		return schema.Field{}, &Error{Op: "register_field", Err: err}
	}
	return f, nil
}

// Fields returns every field in the index schema, in registration order.
func (e *Engine) Fields() []schema.Field {
	return e.index.Schema().Fields()
}

// Reindex replays every stored document into the index and returns how
// many were written. It stops early if ctx is cancelled.
func (e *Engine) Reindex(ctx context.Context) (int, error) {
	const op = "reindex"
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.state != StateReady {
		return 0, &Error{Op: op, Err: ErrInvalidState}
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.cache != nil {
		defer e.cache.Advance()
	}

	start := time.Now()
	n := 0
	for _, doc := range e.store.Snapshot() {
		if err := ctx.Err(); err != nil {
			return n, &Error{Op: op, Err: err}
		}
		if err := e.index.Add(doc); err != nil {
			return n, &Error{Op: op, Err: err}
		}
		n++
	}
	e.logger.Info("reindex complete", "documents", n, "duration", time.Since(start))
	return n, nil
}

// Reconcile brings the index in line with the store: stored documents the
// index lacks are indexed, and index entries the store lacks are deleted.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.state != StateReady {
		return ReconcileReport{}, &Error{Op: "reconcile", Err: ErrInvalidState}
	}
	return e.reconcile(ctx)
}

func (e *Engine) reconcile(ctx context.Context) (ReconcileReport, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var rep ReconcileReport
	indexed, err := e.index.IDs(ctx)
	if err != nil {
		return rep, &Error{Op: "reconcile", Err: err}
	}
	inIndex := make(map[string]struct{}, len(indexed))
	for _, id := range indexed {
		inIndex[id] = struct{}{}
	}

	for _, doc := range e.store.Snapshot() {
		if _, ok := inIndex[doc.ID]; ok {
			continue
		}
		if err := e.index.Add(doc); err != nil {
			return rep, &Error{Op: "reconcile", Err: err}
		}
		rep.Reindexed++
	}
	for _, id := range indexed {
		if e.store.Has(id) {
			continue
		}
		if err := e.index.Delete(id); err != nil {
			return rep, &Error{Op: "reconcile", Err: err}
		}
		rep.Removed++
	}

	if e.cache != nil && (rep.Reindexed > 0 || rep.Removed > 0) {
		e.cache.Advance()
	}
	return rep, nil
}

// Get returns the stored document with the given id.
func (e *Engine) Get(id string) (document.Document, error) {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	if e.state != StateReady {
		return document.Document{}, &Error{Op: "get", Err: ErrInvalidState}
	}
	d, ok := e.store.Get(id)
	if !ok {
		return document.Document{}, &Error{Op: "get", Err: ErrNotFound}
	}
	return d, nil
}

// Len returns the number of stored documents.
func (e *Engine) Len() int {
	return e.store.Len()
}

func (e *Engine) State() State {
	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	return e.state
}

// Close waits for in-flight operations, then flushes and closes the index.
// Every later call, including a second Close, fails with ErrInvalidState.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.state != StateReady {
		return &Error{Op: "close", Err: ErrInvalidState}
	}
	e.state = StateClosed
	if err := e.index.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	e.logger.Info("engine closed", "documents", e.store.Len())
	return nil
}

func (e *Engine) setStoreGauge() {
	if e.metrics != nil {
		e.metrics.StoreDocuments.Set(float64(e.store.Len()))
	}
}
