package p2p

import (
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/0xphantomotr/ndchat/pkg/types"
)

const (
	DefaultDialBackoff       = 3 * time.Second
	DefaultMaxLineSize       = 1 << 20
	DefaultDisconnectTimeout = 500 * time.Millisecond
)

var (
	ErrAlreadyStarted = errors.New("p2p: server already started")
	ErrStopped        = errors.New("p2p: server stopped")
)

type Config struct {
	// Self is announced in every handshake. A zero port is replaced by the
	// port the listener was bound to.
	Self types.Host
	// ListenAddr defaults to ":<Self.Port>".
	ListenAddr string
	// Peers are dialed on Start and redialed whenever their link drops.
	Peers []types.Host

	DialBackoff time.Duration
	// DialTimeout bounds a single connect attempt. Zero leaves it to the OS.
	DialTimeout time.Duration
	// MaxPeers caps the number of registered peers. Zero means no cap.
	MaxPeers    int
	MaxLineSize int
	// DisconnectTimeout bounds the best-effort DISCONNECT write on Stop.
	DisconnectTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = net.JoinHostPort("", strconv.Itoa(c.Self.Port))
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = DefaultDialBackoff
	}
	if c.MaxLineSize <= 0 {
		c.MaxLineSize = DefaultMaxLineSize
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// HandlerFunc receives chat messages and lifecycle notices. sender is nil
// for notices. Handlers run on connection workers and must not call Stop.
type HandlerFunc func(msg types.ChatMessage, sender *types.Host)

// Messenger is the surface the rest of the node uses.
type Messenger interface {
	Start() error
	Stop() error
	Self() types.Host
	AddPeer(host types.Host)
	RemovePeer(host types.Host)
	UpdatePeer(host types.Host)
	SendToPeer(host types.Host, msg types.ChatMessage) bool
	Broadcast(msg types.ChatMessage) int
	Connected() []types.Host
	Known() []types.Host
	RegisterHandler(handler HandlerFunc)
}

var _ Messenger = (*Server)(nil)
