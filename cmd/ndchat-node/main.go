package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/0xphantomotr/ndchat/cmd/utils"
	"github.com/0xphantomotr/ndchat/pkg/config"
)

var dumpConfigCommand = &cli.Command{
	Name:   "dumpconfig",
	Usage:  "Print the effective configuration as TOML",
	Flags:  config.Flags,
	Action: dumpConfig,
}

func main() {
	app := &cli.App{
		Name:     "ndchat-node",
		Usage:    "headless ndchat peer with an HTTP API",
		Flags:    config.Flags,
		Action:   runNode,
		Commands: []*cli.Command{dumpConfigCommand},
	}
	if err := app.Run(os.Args); err != nil {
		utils.Fatalf("%v", err)
	}
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}
	return config.Encode(os.Stdout, cfg)
}

func runNode(cliCtx *cli.Context) error {
	cfg, err := config.FromContext(cliCtx)
	if err != nil {
		return err
	}
	logger, closer, err := utils.SetupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, release, err := utils.OpenNode(cfg, logger)
	if err != nil {
		return err
	}
	defer release()
	if err := n.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Stop()

	g, gctx := errgroup.WithContext(ctx)
	utils.ServeRPC(gctx, g, n, cfg, logger)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	self := n.Self()
	logger.Info("ndchat node started", "name", self.Name, "id", self.ID, "addr", self.Addr(), "peers", len(n.Known()))
	err = g.Wait()
	logger.Info("shutting down")
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
