// Package utils holds the setup shared by the ndchat binaries.
package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xphantomotr/ndchat/pkg/config"
	"github.com/0xphantomotr/ndchat/pkg/logging"
	"github.com/0xphantomotr/ndchat/pkg/node"
	"github.com/0xphantomotr/ndchat/pkg/peerbook"
	"github.com/0xphantomotr/ndchat/pkg/rpc"
)

const shutdownTimeout = 5 * time.Second

// Fatalf formats a message to stderr and exits.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Fatal: "+format+"\n", args...)
	os.Exit(1)
}

// SetupLogger installs the configured logger as the slog default.
func SetupLogger(cfg config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}

// OpenNode builds a node from cfg. The returned func closes the peer book
// and must run after the node is stopped.
func OpenNode(cfg config.Config, logger *slog.Logger) (*node.Node, func(), error) {
	path := ""
	if cfg.Store.Backend == config.StoreBadger {
		path = cfg.Store.Path
	}
	book, err := peerbook.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open peer book: %w", err)
	}
	p2pCfg, err := cfg.P2PConfig()
	if err != nil {
		book.Close()
		return nil, nil, err
	}
	p2pCfg.Logger = logger
	n := node.New(node.Config{
		P2P:         p2pCfg,
		HistorySize: cfg.Store.HistorySize,
		Logger:      logger,
	}, book)
	release := func() {
		if err := book.Close(); err != nil {
			logger.Warn("close peer book", "err", err)
		}
	}
	return n, release, nil
}

// ServeRPC runs the HTTP API in g until ctx is done, when enabled.
func ServeRPC(ctx context.Context, g *errgroup.Group, n *node.Node, cfg config.Config, logger *slog.Logger) {
	if !cfg.RPC.Enabled {
		return
	}
	srv := rpc.NewServer(n, rpc.Config{
		ListenAddr:  cfg.RPC.Listen,
		CORSOrigins: cfg.RPC.CORSOrigins,
		Logger:      logger,
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	logger.Info("rpc server listening", "addr", cfg.RPC.Listen)
}
