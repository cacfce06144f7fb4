// Package compiler turns user-supplied handler source into a dynamic
// library artifact under the per-endpoint project layout the registry
// loads from. It never loads what it builds; the admin surface coordinates
// compile and swap.
package compiler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Senneseph/edge-hive/internal/observability"
	"github.com/Senneseph/edge-hive/internal/runtime"
	"github.com/Senneseph/edge-hive/sdk"
)

// CompileFailure classifies why a compile did not produce an artifact.
type CompileFailure string

// Compile failure classes.
const (
	CompileToolchainMissing CompileFailure = "toolchain-missing"
	CompileBuildFailed      CompileFailure = "build-failed"
	CompileScaffoldFailed   CompileFailure = "scaffold-failed"
)

// CompileError reports a failed compile. Output carries the toolchain's
// combined output verbatim when the build itself failed.
type CompileError struct {
	Reason CompileFailure
	Output string
	Err    error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("compile failed (%s): %s", e.Reason, e.Output)
	}
	if e.Err != nil {
		return fmt.Sprintf("compile failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("compile failed (%s)", e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *CompileError) Unwrap() error { return e.Err }

// Envelope converts the compile error into the admin-facing error shape.
func (e *CompileError) Envelope() *sdk.ErrorEnvelope {
	return &sdk.ErrorEnvelope{
		Code:    sdk.ErrCompileError,
		Message: "handler source did not compile",
		Details: e.Error(),
	}
}

// Config holds the compiler's filesystem and toolchain settings.
type Config struct {
	// HandlersRoot is the directory holding one project per endpoint id.
	HandlersRoot string
	// SDKPath is the local path the generated manifest's replace directive
	// points the SDK dependency at.
	SDKPath string
	// Toolchain is the build command, normally "go".
	Toolchain string
	// BuildTimeout bounds one toolchain invocation.
	BuildTimeout time.Duration
}

// runner invokes the toolchain in dir and returns its combined output.
// Swapped out by tests.
type runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Compiler materializes handler projects and invokes the native toolchain.
type Compiler struct {
	cfg     Config
	log     *zap.Logger
	metrics *observability.Metrics
	run     runner
}

// New returns a Compiler using the real toolchain.
func New(cfg Config, log *zap.Logger, metrics *observability.Metrics) *Compiler {
	return &Compiler{cfg: cfg, log: log, metrics: metrics, run: runToolchain}
}

func runToolchain(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")
	return cmd.CombinedOutput()
}

// ProjectDir returns the per-endpoint project directory.
func (c *Compiler) ProjectDir(id string) string {
	return filepath.Join(c.cfg.HandlersRoot, id)
}

// ArtifactPath returns where a successful compile leaves the artifact.
func (c *Compiler) ArtifactPath(id string) string {
	return filepath.Join(c.ProjectDir(id), "target", "release", runtime.ArtifactName(id))
}

// Compile scaffolds the endpoint's project, writes the user source, and
// builds the dynamic library. A failed build leaves any previously built
// artifact in place; the new artifact replaces the old one only after the
// toolchain succeeds.
func (c *Compiler) Compile(ctx context.Context, id, source string) (string, error) {
	start := time.Now()
	artifact, err := c.compile(ctx, id, source)
	if err != nil {
		c.metrics.RecordCompile("error", time.Since(start))
		return "", err
	}
	c.metrics.RecordCompile("ok", time.Since(start))
	return artifact, nil
}

func (c *Compiler) compile(ctx context.Context, id, source string) (string, error) {
	if _, err := exec.LookPath(c.cfg.Toolchain); err != nil {
		return "", &CompileError{Reason: CompileToolchainMissing, Err: err}
	}

	dir := c.ProjectDir(id)
	releaseDir := filepath.Join(dir, "target", "release")
	if err := os.MkdirAll(releaseDir, 0o755); err != nil {
		return "", &CompileError{Reason: CompileScaffoldFailed, Err: err}
	}

	files := map[string]string{
		"go.mod":     renderGoMod(id, c.cfg.SDKPath),
		"entry.go":   entrySource,
		"handler.go": source,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return "", &CompileError{Reason: CompileScaffoldFailed, Err: err}
		}
	}

	if c.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.BuildTimeout)
		defer cancel()
	}

	artifact := c.ArtifactPath(id)
	staging := artifact + ".next"
	start := time.Now()
	out, err := c.run(ctx, dir, c.cfg.Toolchain,
		"build", "-buildmode=c-shared", "-o", staging, ".")
	if err != nil {
		_ = os.Remove(staging)
		c.log.Warn("handler build failed",
			zap.String("endpoint_id", id),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", &CompileError{Reason: CompileBuildFailed, Output: string(out), Err: err}
	}
	if err := os.Rename(staging, artifact); err != nil {
		return "", &CompileError{Reason: CompileScaffoldFailed, Err: err}
	}

	c.log.Info("handler compiled",
		zap.String("endpoint_id", id),
		zap.String("artifact", artifact),
		zap.Duration("elapsed", time.Since(start)))
	return artifact, nil
}
