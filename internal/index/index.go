// Package index wraps a bleve index behind the narrow contract the search
// engine needs: add one document and commit, query a chosen set of fields,
// and close.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/query"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/schema"
)

const (
	// DefaultLimit caps the number of identifiers a query returns.
	DefaultLimit = 10

	indexDirName = "documents.bleve"

	// textAnalyzer splits on Unicode word boundaries and lowercases. It keeps
	// stop words, so any word of a document's content finds it.
	textAnalyzer = "docsearch_text"
	pageSize     = 1000
)

var schemaKey = []byte("docsearch.schema.fields")

var (
	ErrIndex  = errors.New("index error")
	ErrClosed = errors.New("index is closed")
)

// Option configures an Index.
type Option func(*Index)

// WithLimit overrides DefaultLimit.
func WithLimit(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.limit = n
		}
	}
}

// Index is the inverted index adapter. Writes are serialised by writeMu;
// queries go straight to bleve, which serves them from its own snapshot and
// does not wait for an in-flight write.
type Index struct {
	bleve   bleve.Index
	schema  *schema.Registry
	path    string
	limit   int
	writeMu sync.Mutex
	closed  atomic.Bool
	logger  *slog.Logger
}

// OpenOrCreate opens the index under dir, creating dir and a fresh index if
// none exists. Fields persisted by an earlier process are merged into reg,
// and the merged set is written back.
func OpenOrCreate(dir string, reg *schema.Registry, opts ...Option) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	ix := &Index{
		schema: reg,
		path:   filepath.Join(dir, indexDirName),
		limit:  DefaultLimit,
		logger: slog.Default().With("component", "index"),
	}
	for _, opt := range opts {
		opt(ix)
	}

	b, err := bleve.Open(ix.path)
	switch {
	case errors.Is(err, bleve.ErrorIndexPathDoesNotExist):
		m, merr := buildMapping()
		if merr != nil {
			return nil, merr
		}
		b, err = bleve.New(ix.path, m)
		if err != nil {
			return nil, fmt.Errorf("creating index %s: %w", ix.path, err)
		}
		ix.logger.Info("index created", "path", ix.path)
	case err != nil:
		return nil, fmt.Errorf("opening index %s: %w", ix.path, err)
	default:
		ix.logger.Info("index opened", "path", ix.path)
	}
	ix.bleve = b

	if err := ix.loadSchema(); err != nil {
		b.Close()
		return nil, err
	}
	if err := ix.saveSchema(); err != nil {
		b.Close()
		return nil, err
	}
	return ix, nil
}

func buildMapping() (mapping.IndexMapping, error) {
	im := bleve.NewIndexMapping()
	err := im.AddCustomAnalyzer(textAnalyzer, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("registering analyzer: %w", err)
	}
	im.DefaultAnalyzer = textAnalyzer
	im.DefaultField = schema.FieldContent
	im.IndexDynamic = true
	im.StoreDynamic = false
	im.DocValuesDynamic = false

	idField := bleve.NewKeywordFieldMapping()
	idField.Store = false
	idField.IncludeInAll = false

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = textAnalyzer
	contentField.Store = false

	dm := bleve.NewDocumentMapping()
	dm.Dynamic = true
	dm.AddFieldMappingsAt(schema.FieldID, idField)
	dm.AddFieldMappingsAt(schema.FieldContent, contentField)
	im.DefaultMapping = dm
	return im, nil
}

// Add indexes doc under its id and commits before returning, so the
// document is queryable as soon as Add succeeds. Metadata keys without a
// registered field are skipped. Re-adding an id replaces the previous entry.
func (ix *Index) Add(doc document.Document) error {
	entry := map[string]interface{}{
		schema.FieldID:      doc.ID,
		schema.FieldContent: doc.Content,
	}

	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	if ix.closed.Load() {
		return ErrClosed
	}

	skipped := 0
	for k, v := range doc.Metadata {
		f, ok := ix.schema.Field(k)
		if !ok || f.Reserved {
			skipped++
			continue
		}
		entry[k] = v
	}

	start := time.Now()
	if err := ix.bleve.Index(doc.ID, entry); err != nil {
		return fmt.Errorf("%w: indexing document %s: %w", ErrIndex, doc.ID, err)
	}
	ix.logger.Debug("document committed",
		"doc_id", doc.ID,
		"indexed_fields", len(entry),
		"skipped_metadata", skipped,
		"duration", time.Since(start),
	)
	return nil
}

// Delete removes id from the index. Deleting an unknown id is not an error.
func (ix *Index) Delete(id string) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	if ix.closed.Load() {
		return ErrClosed
	}
	if err := ix.bleve.Delete(id); err != nil {
		return fmt.Errorf("%w: deleting document %s: %w", ErrIndex, id, err)
	}
	return nil
}

// RegisterField adds a searchable text field and persists the schema.
// It takes the writer lock so no add can observe a half-registered field.
func (ix *Index) RegisterField(name string) (schema.Field, error) {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	if ix.closed.Load() {
		return schema.Field{}, ErrClosed
	}

	_, existed := ix.schema.Field(name)
	f, err := ix.schema.Register(name)
	if err != nil {
		return schema.Field{}, err
	}
	if !existed {
		if err := ix.saveSchema(); err != nil {
			return f, err
		}
		ix.logger.Info("field registered", "field", name, "ordinal", f.Ordinal)
	}
	return f, nil
}

// Query parses text and evaluates it. Bare terms match fields, which
// defaults to the content field alone when empty.
func (ix *Index) Query(ctx context.Context, text string, fields []string) ([]string, error) {
	q, err := query.Parse(text)
	if err != nil {
		return nil, err
	}
	return ix.Search(ctx, q, fields)
}

// Search evaluates an already parsed query and returns up to the configured
// limit of ids, best match first.
func (ix *Index) Search(ctx context.Context, q *query.Query, fields []string) ([]string, error) {
	if ix.closed.Load() {
		return nil, ErrClosed
	}
	if q.Empty() {
		return []string{}, nil
	}
	if len(fields) == 0 {
		fields = []string{schema.FieldContent}
	}

	req := bleve.NewSearchRequestOptions(translate(q.Root, fields), ix.limit, 0, false)
	req.SortBy([]string{"-_score", "_id"})
	res, err := ix.bleve.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: executing query %q: %w", ErrIndex, q.Raw, err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

// Has reports whether id is present in the index.
func (ix *Index) Has(id string) (bool, error) {
	if ix.closed.Load() {
		return false, ErrClosed
	}
	d, err := ix.bleve.Document(id)
	if err != nil {
		return false, fmt.Errorf("%w: reading document %s: %w", ErrIndex, id, err)
	}
	return d != nil, nil
}

// IDs returns every id in the index, ordered by id.
func (ix *Index) IDs(ctx context.Context) ([]string, error) {
	if ix.closed.Load() {
		return nil, ErrClosed
	}
	var ids []string
	for from := 0; ; from += pageSize {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), pageSize, from, false)
		req.SortBy([]string{"_id"})
		res, err := ix.bleve.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: listing documents: %w", ErrIndex, err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < pageSize {
			return ids, nil
		}
	}
}

// DocCount returns the number of indexed documents.
func (ix *Index) DocCount() (uint64, error) {
	if ix.closed.Load() {
		return 0, ErrClosed
	}
	n, err := ix.bleve.DocCount()
	if err != nil {
		return 0, fmt.Errorf("%w: counting documents: %w", ErrIndex, err)
	}
	return n, nil
}

// Schema returns the registry consulted at indexing time.
func (ix *Index) Schema() *schema.Registry {
	return ix.schema
}

// Close flushes and closes the index. Closing twice is a no-op.
func (ix *Index) Close() error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()
	if ix.closed.Swap(true) {
		return nil
	}
	if err := ix.bleve.Close(); err != nil {
		return fmt.Errorf("%w: closing index: %w", ErrIndex, err)
	}
	ix.logger.Info("index closed", "path", ix.path)
	return nil
}

func (ix *Index) loadSchema() error {
	raw, err := ix.bleve.GetInternal(schemaKey)
	if err != nil {
		return fmt.Errorf("%w: reading schema: %w", ErrIndex, err)
	}
	if len(raw) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return fmt.Errorf("%w: decoding schema: %w", ErrIndex, err)
	}
	for _, name := range names {
		if _, err := ix.schema.Register(name); err != nil {
			return fmt.Errorf("restoring field %q: %w", name, err)
		}
	}
	ix.logger.Info("schema restored", "fields", names)
	return nil
}

func (ix *Index) saveSchema() error {
	raw, err := json.Marshal(ix.schema.Metadata())
	if err != nil {
		return fmt.Errorf("%w: encoding schema: %w", ErrIndex, err)
	}
	if err := ix.bleve.SetInternal(schemaKey, raw); err != nil {
		return fmt.Errorf("%w: writing schema: %w", ErrIndex, err)
	}
	return nil
}
