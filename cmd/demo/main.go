package main

// ============================================================================
// Local cluster demo
//
//   go run ./cmd/demo start     three nodes on 127.0.0.1, one shared job
//                               database, 200 messages against a local echo
//                               endpoint; Ctrl+C at any point
//   go run ./cmd/demo recover   the same three nodes restarted from their
//                               data dirs; identities resume with a higher
//                               version and leftover work is picked up
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChuLiYu/cronswarm/internal/config"
	"github.com/ChuLiYu/cronswarm/internal/controller"
	"github.com/ChuLiYu/cronswarm/internal/logging"
	"github.com/ChuLiYu/cronswarm/pkg/types"
)

const (
	dataRoot  = "data/demo"
	nodeCount = 3
	messages  = 200
)

func main() {
	if len(os.Args) < 2 || (os.Args[1] != "start" && os.Args[1] != "recover") {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	logger, err := logging.New(logging.Config{Level: "warn", Format: "console"})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	echo, err := startEcho()
	if err != nil {
		log.Fatalf("Failed to start echo endpoint: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodes, err := startCluster(ctx, logger)
	if err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	defer func() {
		for i := len(nodes) - 1; i >= 0; i-- {
			_ = nodes[i].Stop(context.Background())
		}
		fmt.Println("✓ Cluster stopped")
	}()

	for _, n := range nodes {
		self, _ := n.Self(ctx)
		fmt.Printf("✓ Node %s on %s (version %d)\n", self.ID[:8], self.Address, self.DataVersion)
	}

	if mode == "start" {
		for i := 1; i <= messages; i++ {
			_, err := nodes[0].Jobs().CreateMessage(ctx, types.Message{
				Request: types.RequestData{URL: fmt.Sprintf("http://%s/job/%03d", echo, i), TimeoutMS: 5000},
			})
			if err != nil {
				log.Fatalf("Failed to create message: %v", err)
			}
		}
		fmt.Printf("✓ Created %d messages\n", messages)
		fmt.Println("💡 Press Ctrl+C while jobs are running, then run 'recover'")
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nReceived shutdown signal, stopping gracefully...")
			return
		case <-ticker.C:
			printStatus(ctx, nodes)
		}
	}
}

func startCluster(ctx context.Context, logger zerolog.Logger) ([]*controller.Controller, error) {
	var nodes []*controller.Controller
	seed := ""
	for i := 0; i < nodeCount; i++ {
		cfg := config.Default()
		cfg.Node.Listen = fmt.Sprintf("127.0.0.1:%d", 7946+i)
		cfg.Node.Advertise = cfg.Node.Listen
		cfg.Node.DataDir = filepath.Join(dataRoot, fmt.Sprintf("node%d", i+1))
		cfg.Storage.Backend = config.BackendSQLite
		cfg.Storage.SQLitePath = filepath.Join(dataRoot, "jobs.db")
		cfg.Gossip.Interval = 500 * time.Millisecond
		cfg.Runner.PollInterval = 250 * time.Millisecond
		if seed != "" {
			cfg.Gossip.Seeds = []string{seed}
		}

		n, err := controller.New(ctx, cfg, logging.Component(logger, fmt.Sprintf("node%d", i+1)))
		if err != nil {
			return nodes, err
		}
		if err := n.Start(ctx); err != nil {
			_ = n.Stop(context.Background())
			return nodes, err
		}
		nodes = append(nodes, n)
		seed = n.Addr()
	}
	return nodes, nil
}

func printStatus(ctx context.Context, nodes []*controller.Controller) {
	backlog, err := nodes[0].Jobs().CountUnassigned(ctx)
	if err != nil {
		return
	}
	line := fmt.Sprintf("📊 Unassigned=%-4d", backlog)
	for i, n := range nodes {
		s := n.Runner().Stats(ctx)
		line += fmt.Sprintf(" | node%d run=%-3d held=%-3d", i+1, s.Executed, s.Pending+s.Active)
	}
	fmt.Println(line)
}

// startEcho serves a slow endpoint so that work is still in flight when the
// demo is interrupted.
func startEcho() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	go http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		fmt.Fprintf(w, "ok %s\n", r.URL.Path)
	}))
	return ln.Addr().String(), nil
}
