package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/unifyd/internal/config"
	"github.com/fyrsmithlabs/unifyd/internal/engine"
	"github.com/fyrsmithlabs/unifyd/internal/events"
	"github.com/fyrsmithlabs/unifyd/internal/logging"
	"github.com/fyrsmithlabs/unifyd/internal/merge"
	"github.com/fyrsmithlabs/unifyd/internal/plan"
	"github.com/fyrsmithlabs/unifyd/internal/run"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Ledger.Dir = t.TempDir()
	eng, err := engine.NewEngine(cfg, run.NewStore(), events.NopPublisher{}, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestNewServer(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		cfg := &Config{
			Name:    "test-server",
			Version: "1.0.0",
			Logger:  logging.NewNop(),
		}
		server, err := NewServer(cfg, newTestEngine(t))
		require.NoError(t, err)
		require.NotNil(t, server)
		require.NotNil(t, server.mcp)
	})

	t.Run("nil config uses defaults", func(t *testing.T) {
		server, err := NewServer(nil, newTestEngine(t))
		require.NoError(t, err)
		require.NotNil(t, server)
	})

	t.Run("nil engine fails", func(t *testing.T) {
		_, err := NewServer(DefaultConfig(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine is required")
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "unifyd", cfg.Name)
	assert.Equal(t, "1.0.0", cfg.Version)
	require.NotNil(t, cfg.Logger)
}

func TestStatusView(t *testing.T) {
	r := &run.Run{
		ID:    "r1",
		Mode:  run.ModeFull,
		State: run.StateAwaiting,
		Merge: &merge.Result{
			Conflicts: []merge.ConflictRegion{
				{
					ID:         "c1",
					Line:       3,
					Resolution: merge.ResolutionPending,
					Candidates: []merge.Candidate{
						{ID: "cand-1", Origin: "copy-a"},
						{ID: "cand-2", Origin: "copy-b"},
					},
				},
			},
		},
		Fixes: []plan.Fix{
			{ID: "f1", Status: plan.StatusQueued},
			{ID: "f2", Status: plan.StatusApplied},
		},
	}

	out := statusView(r)
	assert.Equal(t, "r1", out.RunID)
	assert.Equal(t, string(run.StateAwaiting), out.State)
	assert.Equal(t, 1, out.Queued)
	require.Len(t, out.Conflicts, 1)
	assert.Equal(t, "c1", out.Conflicts[0].ID)
	assert.Equal(t, []string{"cand-1 (copy-a)", "cand-2 (copy-b)"}, out.Conflicts[0].Candidates)
}
