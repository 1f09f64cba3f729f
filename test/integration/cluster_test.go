package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/cronswarm/internal/config"
	"github.com/ChuLiYu/cronswarm/internal/controller"
	"github.com/ChuLiYu/cronswarm/internal/membership"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// hitCounter records calls per path.
type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.hits[r.URL.Path]++
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (h *hitCounter) snapshot() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.hits))
	for k, v := range h.hits {
		out[k] = v
	}
	return out
}

func nodeConfig(t *testing.T, jobsDB string, seeds ...string) config.Config {
	cfg := config.Default()
	cfg.Node.Listen = "127.0.0.1:0"
	cfg.Node.Advertise = "127.0.0.1:0"
	cfg.Node.DataDir = t.TempDir()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLitePath = jobsDB
	cfg.Gossip.Interval = 200 * time.Millisecond
	cfg.Gossip.BootstrapRetry = 50 * time.Millisecond
	cfg.Gossip.RequestTimeout = time.Second
	cfg.Gossip.Seeds = seeds
	cfg.Scheduler.Interval = 50 * time.Millisecond
	cfg.Runner.PollInterval = 50 * time.Millisecond
	cfg.Runner.FlushInterval = 100 * time.Millisecond
	cfg.Runner.CacheGrace = 0
	return cfg
}

func startNode(t *testing.T, cfg config.Config) *controller.Controller {
	t.Helper()
	ctx := context.Background()
	c, err := controller.New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

func aliveCount(c *controller.Controller) int {
	nodes, err := gossipView(c)
	if err != nil {
		return 0
	}
	alive := 0
	for _, n := range nodes {
		if n.State == types.StateAlive {
			alive++
		}
	}
	return alive
}

func gossipView(c *controller.Controller) ([]types.Node, error) {
	return c.Members().ListNodes(context.Background(), membership.Filter{})
}

func TestClusterSharesWorkAndDetectsFailure(t *testing.T) {
	target := &hitCounter{hits: map[string]int{}}
	srv := httptest.NewServer(target)
	defer srv.Close()

	jobsDB := filepath.Join(t.TempDir(), "jobs.db")
	first := startNode(t, nodeConfig(t, jobsDB))
	second := startNode(t, nodeConfig(t, jobsDB, first.Addr()))
	third := startNode(t, nodeConfig(t, jobsDB, first.Addr()))
	nodes := []*controller.Controller{first, second, third}

	// membership converges
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if aliveCount(n) != 3 {
				return false
			}
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)

	// every message runs exactly once, wherever it was claimed
	ctx := context.Background()
	const messages = 20
	for i := 0; i < messages; i++ {
		_, err := first.Jobs().CreateMessage(ctx, types.Message{
			Request: types.RequestData{URL: fmt.Sprintf("%s/m/%d", srv.URL, i), TimeoutMS: 2000},
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		var submitted int64
		for _, n := range nodes {
			submitted += n.Runner().Stats(ctx).Submitted
		}
		return submitted == messages
	}, 10*time.Second, 50*time.Millisecond)

	hits := target.snapshot()
	assert.Len(t, hits, messages)
	for path, n := range hits {
		assert.Equal(t, 1, n, "path %s", path)
	}

	// a stopped node stops being alive for the others
	gone, err := third.Self(ctx)
	require.NoError(t, err)
	require.NoError(t, third.Stop(ctx))

	require.Eventually(t, func() bool {
		view, err := gossipView(first)
		if err != nil {
			return false
		}
		for _, n := range view {
			if n.ID == gone.ID {
				return n.State != types.StateAlive
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)
}
