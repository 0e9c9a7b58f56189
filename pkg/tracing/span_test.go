package tracing

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/logger"
)

func TestRootTakesRequestID(t *testing.T) {
	ctx := logger.WithRequestID(context.Background(), "req-42")
	ctx, root := Start(ctx, "GET /search")
	_, child := Start(ctx, "index.search")

	if root.TraceID() != "req-42" || child.TraceID() != "req-42" {
		t.Errorf("trace ids = %q, %q", root.TraceID(), child.TraceID())
	}
	if kids := root.Children(); len(kids) != 1 || kids[0] != child {
		t.Errorf("children = %v", kids)
	}
	if FromContext(ctx) != root {
		t.Error("FromContext did not return the root")
	}
}

func TestRootWithoutRequestGetsID(t *testing.T) {
	_, s := Start(context.Background(), "reindex")
	if s.TraceID() == "" {
		t.Error("root span has no trace id")
	}
}

func TestStartChildNeedsParent(t *testing.T) {
	ctx := context.Background()
	got, s := StartChild(ctx, "orphan")
	if s != nil || got != ctx {
		t.Error("StartChild without a parent opened a span")
	}

	ctx, root := Start(ctx, "root")
	_, s = StartChild(ctx, "child")
	if s == nil || len(root.Children()) != 1 {
		t.Error("StartChild with a parent did not attach")
	}
}

func TestEndIsIdempotent(t *testing.T) {
	_, s := Start(context.Background(), "x")
	s.End()
	d := s.Duration()
	s.End()
	if s.Duration() != d {
		t.Error("second End changed the duration")
	}
}

func TestNilSpanIsSafe(t *testing.T) {
	var s *Span
	s.End()
	s.SetAttr("k", "v")
	s.Log(context.Background(), slog.Default())
	if s.TraceID() != "" || s.Duration() != 0 || s.Children() != nil {
		t.Error("nil span returned data")
	}
}

func TestLogWritesTreeAtDebug(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(&buf, "debug", "text")

	ctx, root := Start(context.Background(), "root")
	_, child := Start(ctx, "child")
	child.SetAttr("hits", 3)
	child.End()
	root.End()
	root.Log(ctx, l)

	out := buf.String()
	if strings.Count(out, "msg=span") != 2 {
		t.Fatalf("expected two span records:\n%s", out)
	}
	if !strings.Contains(out, "span=child") || !strings.Contains(out, "hits=3") || !strings.Contains(out, "depth=1") {
		t.Errorf("child record incomplete:\n%s", out)
	}

	buf.Reset()
	root.Log(ctx, logger.New(&buf, "info", "text"))
	if buf.Len() != 0 {
		t.Errorf("logged above debug level:\n%s", buf.String())
	}
}
