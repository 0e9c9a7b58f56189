package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/persistence"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/query"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/schema"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/tracing"
)

func testConfig(t *testing.T) config.StorageConfig {
	t.Helper()
	dir := t.TempDir()
	return config.StorageConfig{
		DataFile:         filepath.Join(dir, "documents.db"),
		IndexPath:        filepath.Join(dir, "index"),
		ReconcileOnStart: true,
	}
}

func newTestEngine(t *testing.T, cfg config.StorageConfig, opts ...Option) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if e.State() == StateReady {
			e.Close()
		}
	})
	return e
}

func mustAdd(t *testing.T, e *Engine, d document.Document) {
	t.Helper()
	if err := e.AddDocument(context.Background(), d); err != nil {
		t.Fatalf("AddDocument(%s): %v", d.ID, err)
	}
}

func ids(docs []document.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	sort.Strings(out)
	return out
}

func TestRoundTrip(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	doc := document.New("42", "Rust is a great programming language")
	mustAdd(t, e, doc)

	for _, q := range []string{"rust", "programming", "great language"} {
		got, err := e.SearchWithFields(context.Background(), q, nil)
		if err != nil {
			t.Fatalf("SearchWithFields(%q): %v", q, err)
		}
		if len(got) != 1 || got[0].ID != doc.ID || got[0].Content != doc.Content {
			t.Errorf("SearchWithFields(%q) = %+v", q, got)
		}
	}
}

func TestRoundTripKeepsStopWords(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	mustAdd(t, e, document.New("1", "to be or not to be"))
	mustAdd(t, e, document.New("2", "The Who"))

	tests := []struct {
		query string
		want  string
	}{
		{"be", "1"},
		{"not", "1"},
		{"to", "1"},
		{"or", "1"},
		{"The", "2"},
		{"who", "2"},
	}
	for _, tt := range tests {
		got, err := e.SearchWithFields(context.Background(), tt.query, nil)
		if err != nil {
			t.Fatalf("SearchWithFields(%q): %v", tt.query, err)
		}
		if strings.Join(ids(got), ",") != tt.want {
			t.Errorf("SearchWithFields(%q) = %v, want [%s]", tt.query, ids(got), tt.want)
		}
	}

	if _, err := e.RegisterField("author"); err != nil {
		t.Fatal(err)
	}
	doc := document.New("3", "x")
	doc.Metadata["author"] = "the"
	mustAdd(t, e, doc)
	got, err := e.SearchWithFields(context.Background(), "author:the", nil)
	if err != nil || strings.Join(ids(got), ",") != "3" {
		t.Errorf("author:the = %v, %v", ids(got), err)
	}
}

func TestIdempotentOverwrite(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	mustAdd(t, e, document.New("1", "first version"))
	mustAdd(t, e, document.New("1", "second version"))

	if e.Len() != 1 {
		t.Fatalf("Len = %d, want 1", e.Len())
	}
	d, err := e.Get("1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Content != "second version" {
		t.Errorf("Content = %q, want most recent add", d.Content)
	}
	got, err := e.Search(context.Background(), "first")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("stale content still searchable: %+v", got)
	}
}

func TestEmptyResultIsNotAnError(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	mustAdd(t, e, document.New("1", "something else"))

	got, err := e.Search(context.Background(), "nonexistent-term-xyz")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", got)
	}

	got, err = e.Search(context.Background(), "   ")
	if err != nil || len(got) != 0 {
		t.Errorf("blank query = %v, %v", got, err)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	cfg := testConfig(t)
	first, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	mustAdd(t, first, document.New("1", "alpha"))
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newTestEngine(t, cfg)
	d, err := second.Get("1")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if d.Content != "alpha" {
		t.Errorf("Content = %q, want alpha", d.Content)
	}
	got, err := second.Search(context.Background(), "alpha")
	if err != nil || len(got) != 1 {
		t.Errorf("Search after restart = %v, %v", got, err)
	}
}

func TestMultiDocumentCount(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	mustAdd(t, e, document.New("a", "common ground"))
	mustAdd(t, e, document.New("b", "a common thread"))
	mustAdd(t, e, document.New("c", "uncommonly common"))
	mustAdd(t, e, document.New("d", "nothing shared"))

	got, err := e.Search(context.Background(), "common")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 results, got %v", ids(got))
	}
}

func TestResultCap(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	for i := 0; i < 12; i++ {
		mustAdd(t, e, document.New(fmt.Sprintf("doc-%02d", i), "common"))
	}
	got, err := e.Search(context.Background(), "common")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Errorf("expected 10 results, got %d", len(got))
	}

	capped := newTestEngine(t, testConfig(t), WithLimit(2))
	for i := 0; i < 4; i++ {
		mustAdd(t, capped, document.New(fmt.Sprintf("doc-%d", i), "common"))
	}
	got, err = capped.Search(context.Background(), "common")
	if err != nil || len(got) != 2 {
		t.Errorf("WithLimit(2) returned %d results, %v", len(got), err)
	}
}

func TestFieldScopedSearch(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))
	doc := document.Document{
		ID:       "p1",
		Content:  "a paper about indexing",
		Metadata: map[string]string{"author": "Jane"},
	}
	mustAdd(t, e, doc)

	got, err := e.Search(ctx, "Jane")
	if err != nil || len(got) != 0 {
		t.Fatalf("content-only search = %v, %v", got, err)
	}

	if _, err := e.RegisterField("author"); err != nil {
		t.Fatal(err)
	}
	got, err = e.SearchWithFields(ctx, "Jane", []string{"author"})
	if err != nil || len(got) != 0 {
		t.Fatalf("registration should not be retroactive, got %v, %v", got, err)
	}

	mustAdd(t, e, doc)
	got, err = e.SearchWithFields(ctx, "Jane", []string{"author"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "p1" || got[0].Metadata["author"] != "Jane" {
		t.Errorf("field-scoped search = %+v", got)
	}
	got, err = e.Search(ctx, "author:jane")
	if err != nil || len(got) != 1 {
		t.Errorf("field:value search = %v, %v", got, err)
	}
	got, err = e.Search(ctx, "Jane")
	if err != nil || len(got) != 0 {
		t.Errorf("content-only search after registration = %v, %v", got, err)
	}
}

func TestReindexAppliesNewFields(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))
	mustAdd(t, e, document.Document{ID: "1", Content: "x", Metadata: map[string]string{"tag": "go"}})
	mustAdd(t, e, document.Document{ID: "2", Content: "y", Metadata: map[string]string{"tag": "rust"}})

	if _, err := e.RegisterField("tag"); err != nil {
		t.Fatal(err)
	}
	n, err := e.Reindex(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Reindex wrote %d documents, want 2", n)
	}
	got, err := e.Search(ctx, "tag:go")
	if err != nil || len(got) != 1 || got[0].ID != "1" {
		t.Errorf("Search(tag:go) = %v, %v", got, err)
	}
}

func TestRegisterFieldErrors(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	if _, err := e.RegisterField("id"); !errors.Is(err, schema.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if _, err := e.RegisterField("bad name"); !errors.Is(err, schema.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
	if _, err := e.RegisterField("content"); err != nil {
		t.Errorf("re-registering content should be a no-op, got %v", err)
	}
}

func TestRegisteredFieldsSurviveRestart(t *testing.T) {
	cfg := testConfig(t)
	first := newTestEngine(t, cfg)
	if _, err := first.RegisterField("author"); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := newTestEngine(t, cfg)
	var names []string
	for _, f := range second.Fields() {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "id,content,author" {
		t.Errorf("Fields after restart = %v", names)
	}
}

func TestInvalidDocumentRejected(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	err := e.AddDocument(context.Background(), document.New("", "no id"))
	if !errors.Is(err, document.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	var ee *Error
	if !errors.As(err, &ee) || ee.Op != "add_document" {
		t.Errorf("expected *Error with op add_document, got %#v", err)
	}
	if e.Len() != 0 {
		t.Error("invalid document reached the store")
	}
}

func TestStoredStringsSurviveRestartExactly(t *testing.T) {
	cfg := testConfig(t)
	e := newTestEngine(t, cfg)

	err := e.AddDocument(context.Background(), document.New("doc-\xff", "alpha \xfe"))
	if !errors.Is(err, document.ErrInvalid) {
		t.Fatalf("invalid UTF-8 accepted: %v", err)
	}
	doc := document.New("  ключ ", "naïve café")
	doc.Metadata["автор"] = "José"
	mustAdd(t, e, doc)
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(t, cfg)
	if e2.Len() != 1 {
		t.Fatalf("Len = %d, want 1", e2.Len())
	}
	got, err := e2.Get("  ключ ")
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.Content != doc.Content || got.Metadata["автор"] != "José" {
		t.Errorf("restored %+v, want %+v", got, doc)
	}
}

func TestEmptyContentIsLegal(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	mustAdd(t, e, document.New("empty", ""))
	if _, err := e.Get("empty"); err != nil {
		t.Errorf("Get(empty): %v", err)
	}
}

func TestParseErrorSurfaces(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	_, err := e.Search(context.Background(), `"unterminated`)
	if !errors.Is(err, query.ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}
	var pe *query.ParseError
	if !errors.As(err, &pe) {
		t.Errorf("expected *query.ParseError in chain, got %T", err)
	}
}

func TestGetUnknownID(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	if _, err := e.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.DataFile, []byte("definitely not a snapshot"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, cfg)
	if e.Len() != 0 {
		t.Errorf("expected empty store, got %d", e.Len())
	}
	mustAdd(t, e, document.New("1", "fresh start"))
	if _, err := e.Get("1"); err != nil {
		t.Error(err)
	}
}

func TestStrictLoadFailsOnCorruptSnapshot(t *testing.T) {
	cfg := testConfig(t)
	cfg.StrictLoad = true
	if err := os.WriteFile(cfg.DataFile, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(context.Background(), cfg)
	if !errors.Is(err, persistence.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestUnwritableIndexPathFails(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.IndexPath = filepath.Join(blocker, "index")
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for index path under a regular file")
	}
}

func TestSnapshotFailureDivergesAndReconciles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.StorageConfig{
		DataFile:  filepath.Join(dir, "data", "documents.db"),
		IndexPath: filepath.Join(dir, "index"),
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newTestEngine(t, cfg, WithMetrics(m))
	mustAdd(t, e, document.New("kept", "durable words"))

	// Swap the snapshot directory for a regular file so the next save fails.
	if err := os.RemoveAll(filepath.Join(dir, "data")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	err := e.AddDocument(ctx, document.New("lost", "durable words"))
	if !errors.Is(err, ErrDiverged) {
		t.Fatalf("expected ErrDiverged, got %v", err)
	}
	if got := testutil.ToFloat64(m.StoreDivergenceTotal); got != 1 {
		t.Errorf("store_divergence_total = %v, want 1", got)
	}
	if _, err := e.Get("lost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back document still in store: %v", err)
	}

	got, err := e.Search(ctx, "durable")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(ids(got), ",") != "kept" {
		t.Errorf("unresolvable ids should be dropped, got %v", ids(got))
	}

	rep, err := e.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Removed != 1 || rep.Reindexed != 0 {
		t.Errorf("Reconcile = %+v, want 1 removed", rep)
	}
}

func TestReconcileOnStartReindexesMissingDocuments(t *testing.T) {
	cfg := testConfig(t)
	snap := persistence.New(cfg.DataFile)
	if _, err := snap.Save(map[string]document.Document{
		"1": document.New("1", "restored from snapshot"),
	}); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t, cfg)
	got, err := e.Search(context.Background(), "restored")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("expected snapshot document to be searchable after reconcile, got %v", ids(got))
	}
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if e.State() != StateClosed {
		t.Errorf("State = %v", e.State())
	}

	checks := map[string]error{
		"add":       e.AddDocument(ctx, document.New("1", "x")),
		"close":     e.Close(),
		"get":       func() error { _, err := e.Get("1"); return err }(),
		"search":    func() error { _, err := e.Search(ctx, "x"); return err }(),
		"fields":    func() error { _, err := e.SearchWithFields(ctx, "x", []string{"content"}); return err }(),
		"register":  func() error { _, err := e.RegisterField("author"); return err }(),
		"reindex":   func() error { _, err := e.Reindex(ctx); return err }(),
		"reconcile": func() error { _, err := e.Reconcile(ctx); return err }(),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s after Close: expected ErrInvalidState, got %v", name, err)
		}
	}
}

type fakeCache struct {
	mu       sync.Mutex
	gen      int
	entries  map[string][]string
	computes int
	hits     int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]string)}
}

func (c *fakeCache) GetOrCompute(_ context.Context, q string, fields []string, compute func() ([]string, error)) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := fmt.Sprintf("%d|%s|%s", c.gen, q, strings.Join(fields, ","))
	if ids, ok := c.entries[key]; ok {
		c.hits++
		return ids, true, nil
	}
	ids, err := compute()
	if err != nil {
		return nil, false, err
	}
	c.computes++
	c.entries[key] = ids
	return ids, false, nil
}

func (c *fakeCache) Advance() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

func TestCacheAdvancesOnAdd(t *testing.T) {
	ctx := context.Background()
	cache := newFakeCache()
	e := newTestEngine(t, testConfig(t), WithCache(cache))
	mustAdd(t, e, document.New("1", "cached term"))

	for i := 0; i < 3; i++ {
		got, err := e.Search(ctx, "cached")
		if err != nil || len(got) != 1 {
			t.Fatalf("Search = %v, %v", got, err)
		}
	}
	if cache.computes != 1 || cache.hits != 2 {
		t.Errorf("computes=%d hits=%d, want 1 and 2", cache.computes, cache.hits)
	}

	mustAdd(t, e, document.New("2", "cached again"))
	got, err := e.Search(ctx, "cached")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("stale cache entry served after add: %v", ids(got))
	}
}

type recordingObserver struct {
	mu  sync.Mutex
	ids []string
}

func (o *recordingObserver) DocumentAdded(_ context.Context, doc document.Document) {
	o.mu.Lock()
	o.ids = append(o.ids, doc.ID)
	o.mu.Unlock()
}

func TestObserverSeesSuccessfulAddsOnly(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestEngine(t, testConfig(t), WithObserver(obs))
	mustAdd(t, e, document.New("1", "x"))
	_ = e.AddDocument(context.Background(), document.New("", "invalid"))
	mustAdd(t, e, document.New("2", "y"))

	if strings.Join(obs.ids, ",") != "1,2" {
		t.Errorf("observer saw %v", obs.ids)
	}
}

func TestSearchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newTestEngine(t, testConfig(t), WithMetrics(m))
	mustAdd(t, e, document.New("1", "measured"))

	ctx := context.Background()
	_, _ = e.Search(ctx, "measured")
	_, _ = e.Search(ctx, "absent")
	_, _ = e.Search(ctx, "(")

	if got := testutil.ToFloat64(m.DocsIndexedTotal); got != 1 {
		t.Errorf("docs_indexed_total = %v", got)
	}
	if got := testutil.ToFloat64(m.StoreDocuments); got != 1 {
		t.Errorf("store_documents = %v", got)
	}
	for label, want := range map[string]float64{"hit": 1, "zero_result": 1, "parse_error": 1} {
		if got := testutil.ToFloat64(m.SearchQueriesTotal.WithLabelValues(label)); got != want {
			t.Errorf("search_queries_total{%s} = %v, want %v", label, got, want)
		}
	}
	if testutil.ToFloat64(m.SnapshotBytes) <= 0 {
		t.Error("snapshot_bytes not recorded")
	}
}

func TestConcurrentAddsAndSearches(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if err := e.AddDocument(ctx, document.New(fmt.Sprintf("w%d-%d", w, i), "parallel")); err != nil {
					t.Error(err)
				}
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if _, err := e.Search(ctx, "parallel"); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	if e.Len() != 20 {
		t.Errorf("Len = %d, want 20", e.Len())
	}
}

func TestConcurrentSameIDAgrees(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := e.AddDocument(ctx, document.New("same", fmt.Sprintf("version%d", i))); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	stored, err := e.Get("same")
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Search(ctx, stored.Content)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "same" {
		t.Errorf("index disagrees with store winner %q: %v", stored.Content, ids(got))
	}
}

func TestSearchRecordsSpans(t *testing.T) {
	e := newTestEngine(t, testConfig(t))
	mustAdd(t, e, document.New("1", "traced search"))

	ctx, root := tracing.Start(context.Background(), "test")
	if _, err := e.Search(ctx, "traced"); err != nil {
		t.Fatal(err)
	}
	root.End()

	var names []string
	for _, s := range root.Children() {
		names = append(names, s.Name())
	}
	if got := strings.Join(names, ","); got != "query.parse,index.lookup,store.resolve" {
		t.Errorf("spans = %s", got)
	}
}
