package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/0xphantomotr/ndchat/pkg/history"
	"github.com/0xphantomotr/ndchat/pkg/logging"
	"github.com/0xphantomotr/ndchat/pkg/p2p"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

var (
	ErrInvalidConfig = errors.New("config: invalid")
	ErrInvalidPeer   = errors.New("config: invalid peer")
)

const (
	StoreMemory = "memory"
	StoreBadger = "badger"
)

type Config struct {
	Host  HostConfig     `toml:"host"`
	P2P   P2PConfig      `toml:"p2p"`
	Peers []PeerConfig   `toml:"peers"`
	RPC   RPCConfig      `toml:"rpc"`
	Log   logging.Config `toml:"log"`
	Store StoreConfig    `toml:"store"`
}

type HostConfig struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

type P2PConfig struct {
	// Listen defaults to ":<host.port>".
	Listen      string `toml:"listen"`
	MaxPeers    int    `toml:"max_peers"`
	MaxLineSize int    `toml:"max_line_size"`

	DialBackoff    time.Duration `toml:"-"`
	DialBackoffRaw string        `toml:"dial_backoff"`
	DialTimeout    time.Duration `toml:"-"`
	DialTimeoutRaw string        `toml:"dial_timeout"`
}

type PeerConfig struct {
	Name    string `toml:"name"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

type RPCConfig struct {
	Enabled     bool     `toml:"enabled"`
	Listen      string   `toml:"listen"`
	CORSOrigins []string `toml:"cors_origins"`
}

type StoreConfig struct {
	// Backend is memory or badger. Only the peer book is stored.
	Backend     string `toml:"backend"`
	Path        string `toml:"path"`
	HistorySize int    `toml:"history_size"`
}

func Defaults() Config {
	return Config{
		Host: HostConfig{
			Name:    hostname(),
			Address: "127.0.0.1",
			Port:    6000,
		},
		P2P: P2PConfig{
			MaxLineSize:    p2p.DefaultMaxLineSize,
			DialBackoff:    p2p.DefaultDialBackoff,
			DialBackoffRaw: p2p.DefaultDialBackoff.String(),
			DialTimeout:    5 * time.Second,
			DialTimeoutRaw: "5s",
		},
		RPC: RPCConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8080",
		},
		Log: logging.Defaults(),
		Store: StoreConfig{
			Backend:     StoreMemory,
			HistorySize: history.DefaultCapacity,
		},
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "ndchat"
	}
	return name
}

// Load reads a TOML file over the defaults. Keys the file sets that no
// field knows about are an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	if err := cfg.fillDurations(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) fillDurations() error {
	var err error
	if c.P2P.DialBackoff, err = parseDuration("p2p.dial_backoff", c.P2P.DialBackoffRaw); err != nil {
		return err
	}
	if c.P2P.DialTimeout, err = parseDuration("p2p.dial_timeout", c.P2P.DialTimeoutRaw); err != nil {
		return err
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return d, nil
}

// Encode writes cfg as TOML, the same shape Load reads.
func Encode(w io.Writer, cfg Config) error {
	cfg.P2P.DialBackoffRaw = cfg.P2P.DialBackoff.String()
	cfg.P2P.DialTimeoutRaw = cfg.P2P.DialTimeout.String()
	return toml.NewEncoder(w).Encode(cfg)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Host.Name) == "" {
		return fmt.Errorf("%w: host.name is empty", ErrInvalidConfig)
	}
	if err := c.Self().Validate(); err != nil {
		return fmt.Errorf("%w: host: %v", ErrInvalidConfig, err)
	}
	if c.P2P.DialBackoff < 0 || c.P2P.DialTimeout < 0 {
		return fmt.Errorf("%w: negative p2p duration", ErrInvalidConfig)
	}
	if c.P2P.MaxPeers < 0 {
		return fmt.Errorf("%w: p2p.max_peers must not be negative", ErrInvalidConfig)
	}
	if _, err := c.PeerHosts(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for badger", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, c.Store.Backend)
	}
	if c.RPC.Enabled && c.RPC.Listen == "" {
		return fmt.Errorf("%w: rpc.listen is empty", ErrInvalidConfig)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Self is the local host. Its id follows from name, address and port.
func (c Config) Self() types.Host {
	return types.NewHost(c.Host.Name, c.Host.Address, c.Host.Port)
}

func (c Config) PeerHosts() ([]types.Host, error) {
	hosts := make([]types.Host, 0, len(c.Peers))
	for i, p := range c.Peers {
		h := types.NewHost(p.Name, p.Address, p.Port)
		if p.Name == "" {
			return nil, fmt.Errorf("%w: peers[%d]: missing name", ErrInvalidPeer, i)
		}
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("%w: peers[%d]: %v", ErrInvalidPeer, i, err)
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// P2PConfig converts the file settings into connection manager settings.
// The logger is left for the caller.
func (c Config) P2PConfig() (p2p.Config, error) {
	peers, err := c.PeerHosts()
	if err != nil {
		return p2p.Config{}, err
	}
	return p2p.Config{
		Self:        c.Self(),
		ListenAddr:  c.P2P.Listen,
		Peers:       peers,
		DialBackoff: c.P2P.DialBackoff,
		DialTimeout: c.P2P.DialTimeout,
		MaxPeers:    c.P2P.MaxPeers,
		MaxLineSize: c.P2P.MaxLineSize,
	}, nil
}

// ParsePeer reads "name@host:port".
func ParsePeer(s string) (PeerConfig, error) {
	name, endpoint, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || name == "" {
		return PeerConfig{}, fmt.Errorf("%w: %q: want name@host:port", ErrInvalidPeer, s)
	}
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeer, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return PeerConfig{}, fmt.Errorf("%w: %q: bad port %q", ErrInvalidPeer, s, portStr)
	}
	if host == "" {
		return PeerConfig{}, fmt.Errorf("%w: %q: missing address", ErrInvalidPeer, s)
	}
	return PeerConfig{Name: name, Address: host, Port: port}, nil
}

func (p PeerConfig) Host() types.Host {
	return types.NewHost(p.Name, p.Address, p.Port)
}
