package pluginrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/stolos/internal/dagview"
)

func TestBashRunnerCompletedCapturesStdout(t *testing.T) {
	r := NewBashRunner()
	res, err := r.Run(context.Background(), "ingest", "1", Options{BashCmd: "echo hello"})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Contains(t, res.Message, "hello")
}

func TestBashRunnerRedirectsStdoutToStderrCapture(t *testing.T) {
	r := NewBashRunner()
	res, err := r.Run(context.Background(), "ingest", "1", Options{BashCmd: "echo hello", RedirectToStderr: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Empty(t, res.Message, "stdout was redirected into the stderr buffer, not the message")
}

func TestBashRunnerFailsOnNonZeroExit(t *testing.T) {
	r := NewBashRunner()
	res, err := r.Run(context.Background(), "ingest", "1", Options{BashCmd: "false"})
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
}

func TestBashRunnerRejectsEmptyCommand(t *testing.T) {
	r := NewBashRunner()
	res, err := r.Run(context.Background(), "ingest", "1", Options{BashCmd: ""})
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
}

func TestNoopRunnerAlwaysCompletes(t *testing.T) {
	var r NoopRunner
	res, err := r.Run(context.Background(), "ingest", "1", Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register("bash", NewBashRunner())
	reg.Register("noop", NoopRunner{})

	_, ok := reg.Lookup("bash")
	require.True(t, ok)
	_, ok = reg.Lookup("missing")
	require.False(t, ok)
}

func TestUserFuncRunnerDispatchesOnPredicate(t *testing.T) {
	registry := dagview.NewFuncRegistry()
	registry.Register("even_counter", func(fields map[string]string) bool {
		return fields["counter"] == "2"
	})
	doc := dagview.Document{
		Apps: map[string]dagview.AppConfig{
			"ingest": {JobIDGrammar: []string{"date", "counter"}},
		},
	}
	grammar := dagview.NewGrammar()
	view := dagview.NewView(&dagview.StaticConfigSource{Doc: doc}, registry, grammar)

	runner := NewUserFuncRunner("even_counter", view, grammar, registry)

	res, err := runner.Run(context.Background(), "ingest", "20260101_2", Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	res, err = runner.Run(context.Background(), "ingest", "20260101_3", Options{})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
}

func TestUserFuncRunnerUnregisteredFuncFails(t *testing.T) {
	registry := dagview.NewFuncRegistry()
	doc := dagview.Document{Apps: map[string]dagview.AppConfig{"ingest": {}}}
	grammar := dagview.NewGrammar()
	view := dagview.NewView(&dagview.StaticConfigSource{Doc: doc}, registry, grammar)

	runner := NewUserFuncRunner("nope", view, grammar, registry)
	res, err := runner.Run(context.Background(), "ingest", "1", Options{})
	require.Error(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
}
