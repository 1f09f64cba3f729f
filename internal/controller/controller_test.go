package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cronswarm/internal/config"
	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/internal/orchestrator"
	"github.com/ChuLiYu/cronswarm/internal/transport"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.Listen = "127.0.0.1:0"
	cfg.Node.Advertise = "127.0.0.1:0"
	cfg.Node.DataDir = t.TempDir()
	cfg.Gossip.Interval = 100 * time.Millisecond
	cfg.Scheduler.Interval = 50 * time.Millisecond
	cfg.Runner.PollInterval = 50 * time.Millisecond
	cfg.Runner.FlushInterval = 50 * time.Millisecond
	cfg.Orchestrator.HousekeepingInterval = 50 * time.Millisecond
	return cfg
}

func startController(t *testing.T, cfg config.Config) *Controller {
	t.Helper()
	c, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func TestController_ExecutesMessagesEndToEnd(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer target.Close()

	c := startController(t, testConfig(t))
	ctx := context.Background()

	_, err := c.Jobs().CreateMessage(ctx, types.Message{
		Request: types.RequestData{URL: target.URL + "/direct", TimeoutMS: 1000},
	})
	require.NoError(t, err)

	q, err := c.Jobs().CreateQueue(ctx, types.Queue{RequestsPerPeriod: 5, PeriodSeconds: 1})
	require.NoError(t, err)
	_, err = c.Jobs().CreateMessage(ctx, types.Message{
		Request: types.RequestData{URL: target.URL + "/queued", TimeoutMS: 1000},
		QueueID: &q.ID,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Runner().Stats(ctx).Submitted == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), hits.Load())

	backlog, err := c.Jobs().CountUnassigned(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog)
}

func TestController_ResolvesWildcardPort(t *testing.T) {
	c := startController(t, testConfig(t))

	self, err := c.Self(context.Background())
	require.NoError(t, err)
	assert.False(t, strings.HasSuffix(self.Address, ":0"))
	assert.Equal(t, c.Addr(), self.Address)
}

func TestController_RolesFollowTags(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.Tags = []string{string(types.TagRunner)}
	c := startController(t, cfg)

	assert.Nil(t, c.Scheduler())
	assert.NotNil(t, c.Runner())

	client := transport.NewClient(time.Second)
	_, err := client.RequestJobAssignments(context.Background(), c.Addr(), orchestrator.AssignmentRequest{RunnerID: "r", MaxJobs: 1})
	var se *transport.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)

	nodes, err := client.ListNodes(context.Background(), c.Addr(), membership.Filter{})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, []types.Tag{types.TagRunner}, nodes[0].Tags)
}

func TestController_IdentitySurvivesRestart(t *testing.T) {
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage.Backend = backend
			cfg.Storage.SQLitePath = filepath.Join(cfg.Node.DataDir, "node.db")
			ctx := context.Background()

			first, err := New(ctx, cfg, zerolog.Nop())
			require.NoError(t, err)
			before, err := first.Self(ctx)
			require.NoError(t, err)
			require.NoError(t, first.Stop(ctx))

			second, err := New(ctx, cfg, zerolog.Nop())
			require.NoError(t, err)
			defer second.Stop(ctx)
			after, err := second.Self(ctx)
			require.NoError(t, err)

			assert.Equal(t, before.ID, after.ID)
			assert.Greater(t, after.DataVersion, before.DataVersion)
		})
	}
}

func TestController_PersistentResultCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.CacheDir = filepath.Join(cfg.Node.DataDir, "cache")
	c := startController(t, cfg)
	assert.NotNil(t, c.Runner())
}

func TestController_StartTwice(t *testing.T) {
	c := startController(t, testConfig(t))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}
