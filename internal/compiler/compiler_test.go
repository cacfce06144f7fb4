package compiler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/observability"
)

const helloSource = `package main

import "github.com/Senneseph/edge-hive/sdk"

func Handle(ctx *sdk.Context, req *sdk.Request) *sdk.Response {
	return sdk.Text(200, "hello")
}
`

func newTestCompiler(t *testing.T, run runner) *Compiler {
	t.Helper()
	c := New(Config{
		HandlersRoot: t.TempDir(),
		SDKPath:      "/opt/edge-hive",
		Toolchain:    "go",
		BuildTimeout: time.Minute,
	}, zap.NewNop(), observability.InitMetrics(prometheus.NewRegistry()))
	if run != nil {
		c.run = run
	}
	return c
}

// buildStub pretends the toolchain succeeded by creating the -o target.
func buildStub(_ context.Context, _ string, _ string, args ...string) ([]byte, error) {
	for i, a := range args {
		if a == "-o" && i+1 < len(args) {
			return nil, os.WriteFile(args[i+1], []byte("elf"), 0o644)
		}
	}
	return nil, errors.New("no -o flag")
}

func TestCompiler_ScaffoldLayout(t *testing.T) {
	c := newTestCompiler(t, buildStub)

	artifact, err := c.Compile(context.Background(), "ep-1", helloSource)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if artifact != c.ArtifactPath("ep-1") {
		t.Errorf("artifact = %q, want %q", artifact, c.ArtifactPath("ep-1"))
	}
	if _, err := os.Stat(artifact); err != nil {
		t.Fatalf("artifact not on disk: %v", err)
	}

	dir := c.ProjectDir("ep-1")
	mod, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		t.Fatalf("read go.mod: %v", err)
	}
	if !strings.Contains(string(mod), "replace github.com/Senneseph/edge-hive => /opt/edge-hive") {
		t.Errorf("go.mod missing SDK replace directive:\n%s", mod)
	}
	handler, err := os.ReadFile(filepath.Join(dir, "handler.go"))
	if err != nil {
		t.Fatalf("read handler.go: %v", err)
	}
	if string(handler) != helloSource {
		t.Error("handler.go does not hold the user source verbatim")
	}
	entry, err := os.ReadFile(filepath.Join(dir, "entry.go"))
	if err != nil {
		t.Fatalf("read entry.go: %v", err)
	}
	for _, symbol := range []string{"handler_entry", "handler_abi_version", "handler_set_host"} {
		if !strings.Contains(string(entry), "//export "+symbol) {
			t.Errorf("entry.go does not export %s", symbol)
		}
	}
}

func TestCompiler_RecompileReplacesArtifact(t *testing.T) {
	c := newTestCompiler(t, buildStub)

	if _, err := c.Compile(context.Background(), "ep-1", helloSource); err != nil {
		t.Fatalf("first Compile: %v", err)
	}
	if _, err := c.Compile(context.Background(), "ep-1", helloSource); err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if _, err := os.Stat(c.ArtifactPath("ep-1")); err != nil {
		t.Fatalf("artifact missing after recompile: %v", err)
	}
	if _, err := os.Stat(c.ArtifactPath("ep-1") + ".next"); !os.IsNotExist(err) {
		t.Errorf("staging file left behind after recompile: %v", err)
	}
}

func TestCompiler_BuildFailurePreservesArtifact(t *testing.T) {
	c := newTestCompiler(t, buildStub)

	if _, err := c.Compile(context.Background(), "ep-1", helloSource); err != nil {
		t.Fatalf("initial Compile: %v", err)
	}
	prior, err := os.ReadFile(c.ArtifactPath("ep-1"))
	if err != nil {
		t.Fatalf("read prior artifact: %v", err)
	}

	c.run = func(context.Context, string, string, ...string) ([]byte, error) {
		return []byte("handler.go:3: undefined: garbage"), errors.New("exit status 1")
	}
	_, err = c.Compile(context.Background(), "ep-1", "package main\ngarbage")
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Compile error = %T, want *CompileError", err)
	}
	if ce.Reason != CompileBuildFailed {
		t.Errorf("Reason = %s, want %s", ce.Reason, CompileBuildFailed)
	}
	if !strings.Contains(ce.Output, "undefined: garbage") {
		t.Errorf("Output = %q, want toolchain output verbatim", ce.Output)
	}

	after, err := os.ReadFile(c.ArtifactPath("ep-1"))
	if err != nil {
		t.Fatalf("prior artifact gone after failed build: %v", err)
	}
	if string(after) != string(prior) {
		t.Error("failed build modified the prior artifact")
	}
}

func TestCompiler_ToolchainMissing(t *testing.T) {
	c := newTestCompiler(t, nil)
	c.cfg.Toolchain = "edge-hive-no-such-toolchain"

	_, err := c.Compile(context.Background(), "ep-1", helloSource)
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Reason != CompileToolchainMissing {
		t.Fatalf("Compile error = %v, want %s", err, CompileToolchainMissing)
	}
}
