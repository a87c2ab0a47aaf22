package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/0xphantomotr/ndchat/cmd/utils"
	"github.com/0xphantomotr/ndchat/pkg/config"
	"github.com/0xphantomotr/ndchat/pkg/console"
)

var historyFlag = &cli.StringFlag{
	Name:  "history",
	Usage: "Console input history file (default <datadir>/console_history)",
}

func main() {
	app := &cli.App{
		Name:   "ndchat",
		Usage:  "interactive ndchat peer",
		Flags:  append([]cli.Flag{historyFlag}, config.Flags...),
		Action: runConsole,
	}
	if err := app.Run(os.Args); err != nil {
		utils.Fatalf("%v", err)
	}
}

func runConsole(cliCtx *cli.Context) error {
	cfg, err := config.FromContext(cliCtx)
	if err != nil {
		return err
	}
	// keep the prompt readable unless the user asked for more
	if !cliCtx.IsSet(config.LogLevelFlag.Name) && cfg.Log.File == "" {
		cfg.Log.Level = "warn"
	}
	logger, closer, err := utils.SetupLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	sigCtx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	n, release, err := utils.OpenNode(cfg, logger)
	if err != nil {
		return err
	}
	defer release()
	if err := n.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer n.Stop()

	historyFile := cliCtx.String(historyFlag.Name)
	if historyFile == "" && cfg.Store.Backend == config.StoreBadger {
		historyFile = filepath.Join(cfg.Store.Path, "console_history")
	}
	con := console.New(n, console.Config{
		In:          os.Stdin,
		Interactive: isatty.IsTerminal(os.Stdin.Fd()),
		HistoryFile: historyFile,
	})

	g, gctx := errgroup.WithContext(ctx)
	utils.ServeRPC(gctx, g, n, cfg, logger)
	g.Go(func() error {
		defer cancel()
		return con.Run(gctx)
	})
	return g.Wait()
}
