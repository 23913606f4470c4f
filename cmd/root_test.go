package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "sync-once", "migrate"} {
		if !names[want] {
			t.Fatalf("expected subcommand %q", want)
		}
	}
}

func TestSyncOnceWithMemoryBackends(t *testing.T) {
	t.Setenv("CRAWLQUOTA_LOGGING_LEVEL", "error")

	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"sync-once"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	var report map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.EqualValues(t, 0, report["users"])
}

func TestMigrateRequiresDSN(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"migrate"})
	err := root.ExecuteContext(context.Background())
	require.ErrorContains(t, err, "database.dsn is required")
}

func TestResolveConfigWithoutPreRun(t *testing.T) {
	_, err := resolveConfig(context.Background())
	require.Error(t, err)
}
