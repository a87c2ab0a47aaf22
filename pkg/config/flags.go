package config

import (
	"github.com/urfave/cli/v2"
)

var (
	ConfigFileFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration file",
	}
	NameFlag = &cli.StringFlag{
		Name:     "name",
		Usage:    "Display name announced to peers",
		Category: "HOST",
	}
	AddressFlag = &cli.StringFlag{
		Name:     "address",
		Usage:    "Address announced to peers",
		Category: "HOST",
	}
	PortFlag = &cli.IntFlag{
		Name:     "port",
		Usage:    "Port announced to peers and listened on",
		Category: "HOST",
	}
	ListenFlag = &cli.StringFlag{
		Name:     "p2p.listen",
		Usage:    "P2P listen address (default \":<port>\")",
		Category: "P2P",
	}
	PeerFlag = &cli.StringSliceFlag{
		Name:     "peer",
		Usage:    "Peer to dial as name@host:port (repeatable)",
		Category: "P2P",
	}
	DialBackoffFlag = &cli.DurationFlag{
		Name:     "p2p.dialbackoff",
		Usage:    "Delay between dial attempts",
		Category: "P2P",
	}
	MaxPeersFlag = &cli.IntFlag{
		Name:     "p2p.maxpeers",
		Usage:    "Maximum number of connected peers (0 = unlimited)",
		Category: "P2P",
	}
	RPCListenFlag = &cli.StringFlag{
		Name:     "rpc.listen",
		Usage:    "HTTP API listen address",
		Category: "API",
	}
	NoRPCFlag = &cli.BoolFlag{
		Name:     "rpc.disable",
		Usage:    "Do not start the HTTP API",
		Category: "API",
	}
	LogLevelFlag = &cli.StringFlag{
		Name:     "log.level",
		Usage:    "Log level (debug, info, warn, error)",
		Category: "LOGGING",
	}
	LogFormatFlag = &cli.StringFlag{
		Name:     "log.format",
		Usage:    "Log format (auto, text, json)",
		Category: "LOGGING",
	}
	LogFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "Write logs to a rotating file instead of stderr",
		Category: "LOGGING",
	}
	DataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Keep the peer book in a badger database in this directory",
		Category: "STORAGE",
	}
)

// Flags are the settings every binary accepts.
var Flags = []cli.Flag{
	ConfigFileFlag,
	NameFlag,
	AddressFlag,
	PortFlag,
	ListenFlag,
	PeerFlag,
	DialBackoffFlag,
	MaxPeersFlag,
	RPCListenFlag,
	NoRPCFlag,
	LogLevelFlag,
	LogFormatFlag,
	LogFileFlag,
	DataDirFlag,
}

// FromContext loads the config file named by --config, if any, and applies
// every flag the user set on top of it.
func FromContext(ctx *cli.Context) (Config, error) {
	cfg := Defaults()
	if path := ctx.String(ConfigFileFlag.Name); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return Config{}, err
		}
		cfg = loaded
	}
	if err := Apply(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func Apply(ctx *cli.Context, cfg *Config) error {
	if ctx.IsSet(NameFlag.Name) {
		cfg.Host.Name = ctx.String(NameFlag.Name)
	}
	if ctx.IsSet(AddressFlag.Name) {
		cfg.Host.Address = ctx.String(AddressFlag.Name)
	}
	if ctx.IsSet(PortFlag.Name) {
		cfg.Host.Port = ctx.Int(PortFlag.Name)
	}
	if ctx.IsSet(ListenFlag.Name) {
		cfg.P2P.Listen = ctx.String(ListenFlag.Name)
	}
	if ctx.IsSet(DialBackoffFlag.Name) {
		cfg.P2P.DialBackoff = ctx.Duration(DialBackoffFlag.Name)
	}
	if ctx.IsSet(MaxPeersFlag.Name) {
		cfg.P2P.MaxPeers = ctx.Int(MaxPeersFlag.Name)
	}
	for _, raw := range ctx.StringSlice(PeerFlag.Name) {
		peer, err := ParsePeer(raw)
		if err != nil {
			return err
		}
		cfg.Peers = append(cfg.Peers, peer)
	}
	if ctx.IsSet(RPCListenFlag.Name) {
		cfg.RPC.Listen = ctx.String(RPCListenFlag.Name)
	}
	if ctx.Bool(NoRPCFlag.Name) {
		cfg.RPC.Enabled = false
	}
	if ctx.IsSet(LogLevelFlag.Name) {
		cfg.Log.Level = ctx.String(LogLevelFlag.Name)
	}
	if ctx.IsSet(LogFormatFlag.Name) {
		cfg.Log.Format = ctx.String(LogFormatFlag.Name)
	}
	if ctx.IsSet(LogFileFlag.Name) {
		cfg.Log.File = ctx.String(LogFileFlag.Name)
	}
	if ctx.IsSet(DataDirFlag.Name) {
		cfg.Store.Backend = StoreBadger
		cfg.Store.Path = ctx.String(DataDirFlag.Name)
	}
	return nil
}
