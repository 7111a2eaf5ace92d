// Package hooks runs Go scripts, interpreted with yaegi, in response to action commands sent by
// the device ("//action:<name>").
package hooks

import (
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"

	"github.com/fornellas/slogxt/log"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Environment variables available to scripts.
const (
	EnvAction  = "PRINTHOST_ACTION"
	EnvPrinter = "PRINTHOST_PRINTER"
	EnvState   = "PRINTHOST_STATE"
	EnvFile    = "PRINTHOST_FILE"
)

// Runner maps action names to script paths. Scripts are evaluated from scratch on each run and
// runs are serialized.
type Runner struct {
	mu      sync.Mutex
	scripts map[string]string
	stdout  io.Writer
	stderr  io.Writer
}

func New(scripts map[string]string) *Runner {
	return &Runner{
		scripts: maps.Clone(scripts),
		stdout:  os.Stdout,
		stderr:  os.Stderr,
	}
}

// SetOutput redirects script output.
func (r *Runner) SetOutput(stdout, stderr io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stdout = stdout
	r.stderr = stderr
}

func (r *Runner) Has(action string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.scripts[action]
	return ok
}

func (r *Runner) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.scripts))
}

// Run evaluates the script registered for action. env is appended to the process environment
// visible to the script.
func (r *Runner) Run(ctx context.Context, action string, env map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	path, ok := r.scripts[action]
	if !ok {
		return fmt.Errorf("hooks: no script for action %q", action)
	}

	ctx, logger := log.MustWithAttrs(ctx, "action", action, "path", path)

	environ := os.Environ()
	environ = append(environ, EnvAction+"="+action)
	for _, key := range slices.Sorted(maps.Keys(env)) {
		environ = append(environ, key+"="+env[key])
	}

	interpreter := interp.New(interp.Options{
		Env:    environ,
		Stdout: r.stdout,
		Stderr: r.stderr,
	})
	if err := interpreter.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("hooks: %s: %w", action, err)
	}

	logger.Info("Running")
	if _, err := interpreter.EvalPathWithContext(ctx, path); err != nil {
		return fmt.Errorf("hooks: %s: %w", action, err)
	}
	return nil
}
