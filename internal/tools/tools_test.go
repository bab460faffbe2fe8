package tools

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type echoTool struct {
	name string
	err  error
	out  string
}

func (t *echoTool) Name() string                { return t.name }
func (t *echoTool) Description() string         { return "echoes" }
func (t *echoTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }

func (t *echoTool) Execute(_ context.Context, params map[string]any) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	if t.out != "" {
		return t.out, nil
	}
	s, _ := params["text"].(string)
	return s, nil
}

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryRegisterAndRun(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register(&echoTool{name: "echo"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(&echoTool{name: "echo"}); err == nil {
		t.Fatal("duplicate registration must fail")
	}

	out, err := r.Run(context.Background(), "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q", out)
	}

	if _, err := r.Run(context.Background(), "missing", nil); err == nil {
		t.Fatal("unknown tool must fail")
	}
}

func TestRegistryDefinitionsOrder(t *testing.T) {
	r := newTestRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&echoTool{name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("defs = %d, want 3", len(defs))
	}
	want := []string{"zeta", "alpha", "mid"}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %q, want %q (registration order)", i, d.Name, want[i])
		}
	}
}

func TestRunPropagatesToolError(t *testing.T) {
	r := newTestRegistry()
	boom := errors.New("boom")
	if err := r.Register(&echoTool{name: "bad", err: boom}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Run(context.Background(), "bad", nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestRunTruncatesLargeOutput(t *testing.T) {
	r := newTestRegistry()
	big := strings.Repeat("x", MaxOutputBytes+100)
	if err := r.Register(&echoTool{name: "big", out: big}); err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := r.Run(context.Background(), "big", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(out) > MaxOutputBytes+len("\n[output truncated]") {
		t.Errorf("output not truncated: %d bytes", len(out))
	}
	if !strings.HasSuffix(out, "[output truncated]") {
		t.Error("truncation marker missing")
	}
}
