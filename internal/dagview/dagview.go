// Package dagview is the pure, read-only query layer over the user's DAG
// configuration: parents, children, topological order, the valid_if_or
// filter, and per-app options. Every query takes a fresh snapshot from a
// ConfigSource so live edits to the document are visible on the next call.
package dagview

import (
	"fmt"
	"sort"

	"github.com/swarmguard/stolos/internal/stolos"
)

// Dependency is the parsed form of one depends_on selector: either a set of
// pinned fields (same value as self), a set of enumerated values per field,
// or a named function evaluated against the child's parsed fields.
type Dependency struct {
	// Pin lists fields whose value must match the child's own value.
	Pin []string
	// Enumerate lists, per field, the explicit set of accepted values.
	Enumerate map[string][]string
	// Func is a dotted path into the FuncRegistry; non-empty means this
	// selector is evaluated by calling the registered function instead of
	// applying Pin/Enumerate.
	Func string
}

// ValidIfOr is the per-app filter predicate: true iff the parsed job-id
// fields satisfy any of Values' per-field accepted sets, or Func accepts the
// parsed fields.
type ValidIfOr struct {
	Values map[string][]string
	Func   string
}

// AppConfig is one app's immutable attributes as seen by the DagView.
type AppConfig struct {
	JobType    string
	DependsOn  map[string]Dependency
	ValidIfOr  *ValidIfOr
	MaxRetry   int
	Priority   *int
	JobIDGrammar []string
	BashCmd    string
}

// Document is the whole DAG configuration: app_name -> AppConfig.
type Document struct {
	Apps map[string]AppConfig
}

// Task identifies one (app, job_id) pair.
type Task struct {
	App   string
	JobID string
}

// ConfigError wraps stolos.ErrConfigError with the app and a human-readable
// cause — unknown app, or a cycle introduced by a live edit (spec §9).
type ConfigError struct {
	App string
	Msg string
}

func (e *ConfigError) Error() string {
	if e.App == "" {
		return fmt.Sprintf("dagview: %s", e.Msg)
	}
	return fmt.Sprintf("dagview: %s: %s", e.App, e.Msg)
}

func (e *ConfigError) Unwrap() error { return stolos.ErrConfigError }

// FuncRegistry resolves the dotted-path function names referenced by
// depends_on._func and valid_if_or._func. Populated once at process start
// (spec §9's "registry map populated at startup" option).
type FuncRegistry struct {
	fns map[string]func(fields map[string]string) bool
}

// NewFuncRegistry returns an empty registry ready for Register calls.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{fns: make(map[string]func(fields map[string]string) bool)}
}

// Register binds name to fn. Re-registering the same name overwrites it.
func (r *FuncRegistry) Register(name string, fn func(fields map[string]string) bool) {
	r.fns[name] = fn
}

// Lookup resolves name to its registered predicate function.
func (r *FuncRegistry) Lookup(name string) (func(fields map[string]string) bool, bool) {
	fn, ok := r.fns[name]
	return fn, ok
}

// View is the DagView interface the rest of the engine depends on.
type View interface {
	Parents(app, jobID string) ([]Task, error)
	Children(app, jobID string) ([]Task, error)
	TopologicalSort(nodes []Task) ([]Task, error)
	ValidIfOr(app, jobID string) (bool, error)
	Options(app string) (AppConfig, error)
}

// view is the concrete View, re-reading its Document from source on every
// call per spec §4.2's "mutation between queries is allowed" rule.
type view struct {
	source   ConfigSource
	registry *FuncRegistry
	grammar  *Grammar
}

// NewView builds a View over source, dispatching named functions through
// registry and parsing job ids with grammar.
func NewView(source ConfigSource, registry *FuncRegistry, grammar *Grammar) View {
	return &view{source: source, registry: registry, grammar: grammar}
}

func (v *view) doc() (Document, error) {
	doc, err := v.source.Document()
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (v *view) appConfig(doc Document, app string) (AppConfig, error) {
	cfg, ok := doc.Apps[app]
	if !ok {
		return AppConfig{}, &ConfigError{App: app, Msg: "unknown app"}
	}
	return cfg, nil
}

// Options returns app's immutable attributes.
func (v *view) Options(app string) (AppConfig, error) {
	doc, err := v.doc()
	if err != nil {
		return AppConfig{}, err
	}
	return v.appConfig(doc, app)
}

// Parents evaluates depends_on against the job-id grammar for every parent
// app named in app's config, producing the (parent_app, parent_job_id) set.
func (v *view) Parents(app, jobID string) ([]Task, error) {
	doc, err := v.doc()
	if err != nil {
		return nil, err
	}
	cfg, err := v.appConfig(doc, app)
	if err != nil {
		return nil, err
	}
	fields, err := v.grammar.Parse(cfg, jobID)
	if err != nil {
		return nil, err
	}

	var parents []Task
	for parentApp, dep := range cfg.DependsOn {
		parentCfg, err := v.appConfig(doc, parentApp)
		if err != nil {
			return nil, err
		}
		ids, err := v.resolveDependency(parentCfg, dep, fields)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			parents = append(parents, Task{App: parentApp, JobID: id})
		}
	}
	sortTasks(parents)
	return parents, nil
}

// resolveDependency produces the concrete parent job ids a selector picks
// out for the child's parsed fields.
func (v *view) resolveDependency(parentCfg AppConfig, dep Dependency, childFields map[string]string) ([]string, error) {
	if dep.Func != "" {
		fn, ok := v.registry.Lookup(dep.Func)
		if !ok {
			return nil, &ConfigError{Msg: "unregistered depends_on func " + dep.Func}
		}
		if !fn(childFields) {
			return nil, nil
		}
		id, err := v.grammar.Format(parentCfg, childFields)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	// Pinned fields copy straight from the child; enumerated fields fan out
	// across every combination requested.
	base := make(map[string]string, len(childFields))
	for _, f := range dep.Pin {
		if val, ok := childFields[f]; ok {
			base[f] = val
		}
	}
	for f, val := range childFields {
		if _, set := base[f]; set {
			continue
		}
		if _, enumerated := dep.Enumerate[f]; enumerated {
			continue
		}
		base[f] = val
	}

	combos := []map[string]string{base}
	for f, allowed := range dep.Enumerate {
		if len(allowed) == 0 {
			continue
		}
		next := make([]map[string]string, 0, len(combos)*len(allowed))
		for _, combo := range combos {
			for _, val := range allowed {
				fields := make(map[string]string, len(combo)+1)
				for k, v := range combo {
					fields[k] = v
				}
				fields[f] = val
				next = append(next, fields)
			}
		}
		combos = next
	}

	ids := make([]string, 0, len(combos))
	for _, fields := range combos {
		id, err := v.grammar.Format(parentCfg, fields)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Children lists every app that names app in its own depends_on, with the
// child job id derived from jobID's fields and formatted in the child app's
// grammar. It is not a full inverse of Parents: a _func selector is called
// with the parent's fields, and the parent's value of an enumerated field is
// not compared with the enumerated set, so a child may be listed once per
// enumerated value.
func (v *view) Children(app, jobID string) ([]Task, error) {
	doc, err := v.doc()
	if err != nil {
		return nil, err
	}
	cfg, err := v.appConfig(doc, app)
	if err != nil {
		return nil, err
	}
	fields, err := v.grammar.Parse(cfg, jobID)
	if err != nil {
		return nil, err
	}

	var children []Task
	for childApp, childCfg := range doc.Apps {
		dep, ok := childCfg.DependsOn[app]
		if !ok {
			continue
		}
		ids, err := v.resolveDependency(childCfg, dep, fields)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			children = append(children, Task{App: childApp, JobID: id})
		}
	}
	sortTasks(children)
	return children, nil
}

// ValidIfOr is true iff the parsed fields satisfy any of the listed per-field
// value sets, or the named function accepts the parsed fields. An app with no
// valid_if_or configured always passes.
func (v *view) ValidIfOr(app, jobID string) (bool, error) {
	doc, err := v.doc()
	if err != nil {
		return false, err
	}
	cfg, err := v.appConfig(doc, app)
	if err != nil {
		return false, err
	}
	if cfg.ValidIfOr == nil {
		return true, nil
	}
	fields, err := v.grammar.Parse(cfg, jobID)
	if err != nil {
		return false, err
	}
	if cfg.ValidIfOr.Func != "" {
		fn, ok := v.registry.Lookup(cfg.ValidIfOr.Func)
		if !ok {
			return false, &ConfigError{App: app, Msg: "unregistered valid_if_or func " + cfg.ValidIfOr.Func}
		}
		if fn(fields) {
			return true, nil
		}
	}
	for field, allowed := range cfg.ValidIfOr.Values {
		val, ok := fields[field]
		if !ok {
			continue
		}
		for _, want := range allowed {
			if val == want {
				return true, nil
			}
		}
	}
	return false, nil
}

// TopologicalSort orders nodes so every parent precedes its children,
// breaking ties deterministically by (app_name, job_id). Returns a
// *ConfigError wrapping stolos.ErrConfigError if nodes contains a cycle, rather than
// looping forever (spec §9).
func (v *view) TopologicalSort(nodes []Task) ([]Task, error) {
	doc, err := v.doc()
	if err != nil {
		return nil, err
	}

	set := make(map[Task]bool, len(nodes))
	for _, n := range nodes {
		set[n] = true
	}

	parentsOf := make(map[Task][]Task, len(nodes))
	for _, n := range nodes {
		cfg, err := v.appConfig(doc, n.App)
		if err != nil {
			return nil, err
		}
		fields, err := v.grammar.Parse(cfg, n.JobID)
		if err != nil {
			continue // unparsable ids have no declared parents among nodes
		}
		for parentApp, dep := range cfg.DependsOn {
			parentCfg, err := v.appConfig(doc, parentApp)
			if err != nil {
				return nil, err
			}
			ids, err := v.resolveDependency(parentCfg, dep, fields)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				p := Task{App: parentApp, JobID: id}
				if set[p] {
					parentsOf[n] = append(parentsOf[n], p)
				}
			}
		}
	}

	visited := make(map[Task]int) // 0=unvisited, 1=in-progress, 2=done
	var order []Task
	var visit func(n Task) error
	visit = func(n Task) error {
		switch visited[n] {
		case 2:
			return nil
		case 1:
			return &ConfigError{App: n.App, Msg: "cycle detected at " + n.JobID}
		}
		visited[n] = 1
		parents := append([]Task(nil), parentsOf[n]...)
		sortTasks(parents)
		for _, p := range parents {
			if err := visit(p); err != nil {
				return err
			}
		}
		visited[n] = 2
		order = append(order, n)
		return nil
	}

	sorted := append([]Task(nil), nodes...)
	sortTasks(sorted)
	for _, n := range sorted {
		if err := visit(n); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].App != tasks[j].App {
			return tasks[i].App < tasks[j].App
		}
		return tasks[i].JobID < tasks[j].JobID
	})
}
