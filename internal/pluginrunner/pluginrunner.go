// Package pluginrunner holds the reference PluginRunner implementations spec
// §1 puts out of scope at the interface level but a runnable worker still
// needs: a bash command runner, a no-op, and a named-function runner.
// Grounded in the teacher's PluginExecutor/PluginRegistry (plugins.go),
// narrowed to the job_type tagged-variant dispatch spec §9 calls for instead
// of the teacher's broader HTTP/gRPC/SQL/Kafka plugin set.
package pluginrunner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/stolos/internal/dagview"
)

// Outcome is the tri-state result a plugin reports (spec §6, PluginRunner
// contract): completed, failed, or skipped.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Options carries the per-invocation parameters a PluginRunner needs: the
// app's configured job_type-specific settings plus any CLI overrides.
type Options struct {
	BashCmd          string
	RedirectToStderr bool
}

// Result is what a PluginRunner returns for one (app, job_id) invocation.
type Result struct {
	Outcome Outcome
	Message string
}

// PluginRunner executes the user payload for one (app, job_id).
type PluginRunner interface {
	Run(ctx context.Context, app, jobID string, opts Options) (Result, error)
}

// Registry dispatches on job_type to the registered PluginRunner, the tagged
// variant spec §9 describes ("modelled as a tagged variant of plugin
// runners").
type Registry struct {
	runners map[string]PluginRunner
}

// NewRegistry returns an empty registry; callers Register each job_type.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]PluginRunner)}
}

// Register binds jobType to runner.
func (r *Registry) Register(jobType string, runner PluginRunner) {
	r.runners[jobType] = runner
}

// Lookup resolves jobType to its PluginRunner.
func (r *Registry) Lookup(jobType string) (PluginRunner, bool) {
	runner, ok := r.runners[jobType]
	return runner, ok
}

// BashRunner execs Options.BashCmd under the caller's context, so a
// --timeout deadline kills the child process via ctx cancellation the same
// way exec.CommandContext does.
type BashRunner struct {
	tracer trace.Tracer
}

// NewBashRunner returns a BashRunner instrumented under the "stolos" tracer.
func NewBashRunner() *BashRunner {
	return &BashRunner{tracer: otel.Tracer("stolos")}
}

func (b *BashRunner) Run(ctx context.Context, app, jobID string, opts Options) (Result, error) {
	ctx, span := b.tracer.Start(ctx, "plugin.bash",
		trace.WithAttributes(attribute.String("app", app), attribute.String("job_id", jobID)),
	)
	defer span.End()

	parts := strings.Fields(opts.BashCmd)
	if len(parts) == 0 {
		return Result{Outcome: OutcomeFailed, Message: "empty --bash command"}, fmt.Errorf("pluginrunner: empty bash command")
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	if opts.RedirectToStderr {
		cmd.Stdout = &stderr
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{Outcome: OutcomeFailed, Message: stderr.String()}, fmt.Errorf("pluginrunner: bash command failed: %w", err)
	}
	return Result{Outcome: OutcomeCompleted, Message: stdout.String()}, nil
}

// NoopRunner always reports completed without doing anything — used in
// tests and for placeholder apps in a DAG fixture.
type NoopRunner struct{}

func (NoopRunner) Run(ctx context.Context, app, jobID string, opts Options) (Result, error) {
	return Result{Outcome: OutcomeCompleted}, nil
}

// UserFuncRunner looks a Go function up by dotted path in the same
// FuncRegistry dagview uses for named predicates (spec §9's "plugin table"
// option), calling it with the job_id's parsed grammar fields and reporting
// completed/failed based on its bool return.
type UserFuncRunner struct {
	view     dagview.View
	grammar  *dagview.Grammar
	registry *dagview.FuncRegistry
	name     string
}

// NewUserFuncRunner binds name to a function registered in registry, parsing
// job ids against view's per-app grammar before invoking it.
func NewUserFuncRunner(name string, view dagview.View, grammar *dagview.Grammar, registry *dagview.FuncRegistry) *UserFuncRunner {
	return &UserFuncRunner{name: name, view: view, grammar: grammar, registry: registry}
}

func (u *UserFuncRunner) Run(ctx context.Context, app, jobID string, opts Options) (Result, error) {
	fn, ok := u.registry.Lookup(u.name)
	if !ok {
		return Result{Outcome: OutcomeFailed, Message: "unregistered user_func " + u.name}, fmt.Errorf("pluginrunner: unregistered user_func %s", u.name)
	}
	cfg, err := u.view.Options(app)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	fields, err := u.grammar.Parse(cfg, jobID)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if fn(fields) {
		return Result{Outcome: OutcomeCompleted}, nil
	}
	return Result{Outcome: OutcomeFailed}, nil
}
