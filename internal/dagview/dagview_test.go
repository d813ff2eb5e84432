package dagview

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func pagePriority(p int) *int { return &p }

func sampleDoc() Document {
	return Document{
		Apps: map[string]AppConfig{
			"ingest": {
				JobType:      "bash",
				JobIDGrammar: []string{"date", "counter"},
			},
			"transform": {
				JobType:      "bash",
				JobIDGrammar: []string{"date", "counter"},
				Priority:     pagePriority(20),
				DependsOn: map[string]Dependency{
					"ingest": {Pin: []string{"date", "counter"}},
				},
			},
			"report": {
				JobType:      "bash",
				JobIDGrammar: []string{"date", "counter"},
				DependsOn: map[string]Dependency{
					"transform": {Pin: []string{"date", "counter"}},
				},
				ValidIfOr: &ValidIfOr{Values: map[string][]string{"counter": {"1", "2"}}},
			},
		},
	}
}

func newTestView(doc Document) View {
	return NewView(&StaticConfigSource{Doc: doc}, NewFuncRegistry(), NewGrammar())
}

func TestParentsAndChildren(t *testing.T) {
	view := newTestView(sampleDoc())

	parents, err := view.Parents("transform", "20260101_1")
	require.NoError(t, err)
	require.Equal(t, []Task{{App: "ingest", JobID: "20260101_1"}}, parents)

	children, err := view.Children("ingest", "20260101_1")
	require.NoError(t, err)
	require.Equal(t, []Task{{App: "transform", JobID: "20260101_1"}}, children)
}

func TestValidIfOr(t *testing.T) {
	view := newTestView(sampleDoc())

	ok, err := view.ValidIfOr("report", "20260101_1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = view.ValidIfOr("report", "20260101_9")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = view.ValidIfOr("ingest", "20260101_9")
	require.NoError(t, err)
	require.True(t, ok, "an app with no valid_if_or always passes")
}

func TestTopologicalSortOrdersParentsBeforeChildren(t *testing.T) {
	view := newTestView(sampleDoc())

	nodes := []Task{
		{App: "report", JobID: "20260101_1"},
		{App: "ingest", JobID: "20260101_1"},
		{App: "transform", JobID: "20260101_1"},
	}
	ordered, err := view.TopologicalSort(nodes)
	require.NoError(t, err)
	require.Equal(t, []Task{
		{App: "ingest", JobID: "20260101_1"},
		{App: "transform", JobID: "20260101_1"},
		{App: "report", JobID: "20260101_1"},
	}, ordered)
}

func TestTopologicalSortDetectsCycle(t *testing.T) {
	doc := Document{
		Apps: map[string]AppConfig{
			"a": {DependsOn: map[string]Dependency{"b": {Pin: nil}}},
			"b": {DependsOn: map[string]Dependency{"a": {Pin: nil}}},
		},
	}
	view := newTestView(doc)

	nodes := []Task{{App: "a", JobID: "x"}, {App: "b", JobID: "x"}}
	_, err := view.TopologicalSort(nodes)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestOptionsUnknownApp(t *testing.T) {
	view := newTestView(sampleDoc())
	_, err := view.Options("nope")
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestGrammarParseFormatRoundTrip(t *testing.T) {
	g := NewGrammar()
	cfg := AppConfig{JobIDGrammar: []string{"date", "counter", "profile"}}

	fields, err := g.Parse(cfg, "20260101_3_prod")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"date": "20260101", "counter": "3", "profile": "prod"}, fields)

	id, err := g.Format(cfg, fields)
	require.NoError(t, err)
	require.Equal(t, "20260101_3_prod", id)
}

func TestGrammarParseWrongFieldCount(t *testing.T) {
	g := NewGrammar()
	cfg := AppConfig{JobIDGrammar: []string{"date", "counter"}}

	_, err := g.Parse(cfg, "20260101")
	require.Error(t, err)
	var invalid *InvalidJobIdError
	require.ErrorAs(t, err, &invalid)
}

func TestResolveDependencyEnumerateFansOutCombinations(t *testing.T) {
	doc := Document{
		Apps: map[string]AppConfig{
			"ingest": {JobIDGrammar: []string{"date", "region"}},
			"rollup": {
				JobIDGrammar: []string{"date"},
				DependsOn: map[string]Dependency{
					"ingest": {
						Pin:       []string{"date"},
						Enumerate: map[string][]string{"region": {"east", "west"}},
					},
				},
			},
		},
	}
	view := newTestView(doc)

	parents, err := view.Parents("rollup", "20260101")
	require.NoError(t, err)
	require.ElementsMatch(t, []Task{
		{App: "ingest", JobID: "20260101_east"},
		{App: "ingest", JobID: "20260101_west"},
	}, parents)
}

func TestFuncRegistryDependency(t *testing.T) {
	registry := NewFuncRegistry()
	registry.Register("even_counter", func(fields map[string]string) bool {
		return fields["counter"] == "2" || fields["counter"] == "4"
	})

	doc := Document{
		Apps: map[string]AppConfig{
			"ingest": {JobIDGrammar: []string{"date", "counter"}},
			"transform": {
				JobIDGrammar: []string{"date", "counter"},
				DependsOn: map[string]Dependency{
					"ingest": {Func: "even_counter"},
				},
			},
		},
	}
	view := NewView(&StaticConfigSource{Doc: doc}, registry, NewGrammar())

	parents, err := view.Parents("transform", "20260101_2")
	require.NoError(t, err)
	require.Len(t, parents, 1)

	parents, err = view.Parents("transform", "20260101_3")
	require.NoError(t, err)
	require.Empty(t, parents)
}
