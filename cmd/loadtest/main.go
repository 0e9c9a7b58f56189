// Command loadtest seeds a running docsearch with synthetic documents and
// then drives GET /search from concurrent workers, reporting throughput,
// latency percentiles and status codes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	SeedDocs    int
	Queries     []string
}

type Stats struct {
	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
	empty   atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
	codes     map[int]int64
}

func NewStats() *Stats {
	return &Stats{
		latencies: make([]time.Duration, 0, 100000),
		codes:     make(map[int]int64),
	}
}

func (s *Stats) Record(d time.Duration, code int, count int, err error) {
	s.total.Add(1)
	if err != nil {
		s.failed.Add(1)
		return
	}
	if code == http.StatusOK {
		s.success.Add(1)
		if count == 0 {
			s.empty.Add(1)
		}
	} else {
		s.failed.Add(1)
	}
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.codes[code]++
	s.mu.Unlock()
}

var vocabulary = []string{
	"distributed", "search", "index", "document", "query", "rust",
	"cache", "snapshot", "shard", "ranking", "token", "phrase",
	"engine", "storage", "replica", "schema", "field", "commit",
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the docsearch service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent search workers")
	duration := flag.Duration("duration", 30*time.Second, "search phase duration")
	seed := flag.Int("seed-docs", 500, "documents to add before searching (0 to skip)")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		SeedDocs:    *seed,
		Queries: []string{
			"search",
			"distributed AND index",
			"cache OR snapshot",
			`"search engine"`,
			"query NOT rust",
			"ranking token phrase",
			"content:schema",
			"storage AND (replica OR shard)",
		},
	}

	fmt.Println("=== docsearch load test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Seed docs:   %d\n", cfg.SeedDocs)
	fmt.Println()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	if cfg.SeedDocs > 0 {
		start := time.Now()
		if err := seedDocuments(context.Background(), client, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "seeding failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded %d documents in %s\n\n", cfg.SeedDocs, time.Since(start).Round(time.Millisecond))
	}

	stats := runSearches(client, cfg)
	printReport(stats, cfg.Duration)
}

// seedDocuments posts SeedDocs documents, Concurrency at a time. Content is
// drawn deterministically from vocabulary so every query has matches.
func seedDocuments(ctx context.Context, client *http.Client, cfg Config) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i := 0; i < cfg.SeedDocs; i++ {
		g.Go(func() error {
			return addDocument(ctx, client, cfg.BaseURL, i)
		})
	}
	return g.Wait()
}

func addDocument(ctx context.Context, client *http.Client, baseURL string, i int) error {
	words := make([]byte, 0, 64)
	for j := 0; j < 8; j++ {
		if j > 0 {
			words = append(words, ' ')
		}
		words = append(words, vocabulary[(i*7+j*3)%len(vocabulary)]...)
	}
	body, err := json.Marshal(map[string]any{
		"id":       fmt.Sprintf("load-%d", i),
		"content":  string(words),
		"metadata": map[string]string{"source": "loadtest"},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/document", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("adding load-%d: %w", i, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("adding load-%d: status %d", i, resp.StatusCode)
	}
	return nil
}

func runSearches(client *http.Client, cfg Config) *Stats {
	stats := NewStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var wg sync.WaitGroup
	fmt.Print("Running")
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(next int) {
			defer wg.Done()
			for ctx.Err() == nil {
				q := cfg.Queries[next%len(cfg.Queries)]
				next++
				search(ctx, client, cfg.BaseURL, q, stats)
			}
		}(w)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	}()

	wg.Wait()
	fmt.Println(" done")
	fmt.Println()
	return stats
}

func search(ctx context.Context, client *http.Client, baseURL, q string, stats *Stats) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/search?q="+url.QueryEscape(q), nil)
	if err != nil {
		stats.Record(0, 0, 0, err)
		return
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			stats.Record(time.Since(start), 0, 0, err)
		}
		return
	}
	defer resp.Body.Close()
	var body struct {
		Count int `json:"count"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	stats.Record(time.Since(start), resp.StatusCode, body.Count, nil)
}

func printReport(stats *Stats, duration time.Duration) {
	total := stats.total.Load()
	failed := stats.failed.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", stats.success.Load())
	fmt.Printf("Empty results:   %d\n", stats.empty.Load())
	fmt.Printf("Errors:          %d\n", failed)
	if total > 0 {
		fmt.Printf("Error rate:      %.2f%%\n", float64(failed)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	stats.mu.Lock()
	latencies := slices.Clone(stats.latencies)
	codes := make([]int, 0, len(stats.codes))
	for c := range stats.codes {
		codes = append(codes, c)
	}
	stats.mu.Unlock()

	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))
		var sq float64
		for _, l := range latencies {
			diff := float64(l - avg)
			sq += diff * diff
		}

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		for _, p := range []float64{50, 90, 95, 99} {
			fmt.Printf("P%-2.0f:    %s\n", p, percentile(latencies, p))
		}
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])
		fmt.Printf("StdDev: %s\n", time.Duration(math.Sqrt(sq/float64(len(latencies)))))
	}

	fmt.Println()
	fmt.Println("=== Status codes ===")
	slices.Sort(codes)
	stats.mu.Lock()
	for _, c := range codes {
		fmt.Printf("  %d: %d\n", c, stats.codes[c])
	}
	stats.mu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: no requests completed. Is docsearch running?")
		os.Exit(1)
	}
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
