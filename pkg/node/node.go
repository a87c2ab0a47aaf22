package node

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xphantomotr/ndchat/pkg/history"
	"github.com/0xphantomotr/ndchat/pkg/p2p"
	"github.com/0xphantomotr/ndchat/pkg/peerbook"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

var (
	ErrUnknownPeer   = errors.New("node: unknown peer")
	ErrAmbiguousPeer = errors.New("node: ambiguous peer name")
	ErrEmptyMessage  = errors.New("node: empty message")
)

type Config struct {
	P2P         p2p.Config
	HistorySize int
	Logger      *slog.Logger
}

// Node ties the connection manager to the peer book and the local chat
// history. Front ends (RPC, console) only talk to a Node.
type Node struct {
	log     *slog.Logger
	server  *p2p.Server
	book    *peerbook.Book
	history *history.Log

	subMu   sync.RWMutex
	subs    map[int]func(history.Entry)
	nextSub int
}

// New builds a node whose dial targets are the configured peers plus every
// host stored in book.
func New(cfg Config, book *peerbook.Book) *Node {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p2pCfg := cfg.P2P
	if p2pCfg.Logger == nil {
		p2pCfg.Logger = logger
	}
	p2pCfg.Peers = mergePeers(p2pCfg.Peers, book.List())

	n := &Node{
		log:     logger.With("component", "node"),
		book:    book,
		history: history.New(cfg.HistorySize),
		subs:    make(map[int]func(history.Entry)),
	}
	n.server = p2p.NewServer(p2pCfg, n.onMessage)
	return n
}

func mergePeers(configured, stored []types.Host) []types.Host {
	seen := make(map[uuid.UUID]struct{}, len(configured)+len(stored))
	out := make([]types.Host, 0, len(configured)+len(stored))
	for _, list := range [][]types.Host{configured, stored} {
		for _, h := range list {
			if _, dup := seen[h.ID]; dup {
				continue
			}
			seen[h.ID] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

func (n *Node) Start() error {
	return n.server.Start()
}

// Stop shuts the connection manager down. Subscribers are not called
// afterwards. The peer book stays open and is owned by the caller.
func (n *Node) Stop() error {
	return n.server.Stop()
}

func (n *Node) Self() types.Host             { return n.server.Self() }
func (n *Node) Connected() []types.Host      { return n.server.Connected() }
func (n *Node) Known() []types.Host          { return n.server.Known() }
func (n *Node) History() *history.Log        { return n.history }
func (n *Node) State(id uuid.UUID) p2p.State { return n.server.State(id) }
func (n *Node) Messages(since uint64, limit int) []history.Entry {
	return n.history.Since(since, limit)
}

// Subscribe registers fn for every new history entry, sent or received.
// fn runs on connection workers and must not block. The returned func
// removes the subscription.
func (n *Node) Subscribe(fn func(history.Entry)) func() {
	n.subMu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = fn
	n.subMu.Unlock()

	return func() {
		n.subMu.Lock()
		delete(n.subs, id)
		n.subMu.Unlock()
	}
}

func (n *Node) publish(e history.Entry) {
	n.subMu.RLock()
	defer n.subMu.RUnlock()
	for _, fn := range n.subs {
		fn(e)
	}
}

func (n *Node) onMessage(msg types.ChatMessage, sender *types.Host) {
	e := n.history.Append(msg, sender)
	if sender != nil {
		n.log.Debug("message received", "seq", e.Seq, "from", sender.Name)
	}
	n.publish(e)
}

// AddPeer persists host and starts dialing it.
func (n *Node) AddPeer(host types.Host) error {
	if err := n.book.Put(host); err != nil {
		return err
	}
	n.server.AddPeer(host)
	return nil
}

// RemovePeer forgets the peer with the given id and closes its link.
func (n *Node) RemovePeer(id uuid.UUID) (types.Host, error) {
	host, err := n.peerByID(id)
	if err != nil {
		return types.Host{}, err
	}
	if err := n.book.Delete(host.ID); err != nil && !errors.Is(err, peerbook.ErrNotFound) {
		return types.Host{}, err
	}
	n.server.RemovePeer(host)
	return host, nil
}

// UpdatePeer changes the display name and endpoint of a peer. The id stays
// the same and the link is redialed.
func (n *Node) UpdatePeer(id uuid.UUID, name, address string, port int) (types.Host, error) {
	host, err := n.peerByID(id)
	if err != nil {
		return types.Host{}, err
	}
	updated := host.Update(name, address, port)
	if err := n.book.Put(updated); err != nil {
		return types.Host{}, err
	}
	n.server.UpdatePeer(updated)
	return updated, nil
}

// Send records msg in the history and delivers it. With a nil to it goes to
// every connected peer; otherwise only to that peer. delivered counts the
// peers the message was written to.
func (n *Node) Send(to *uuid.UUID, msg types.ChatMessage) (entry history.Entry, delivered int, err error) {
	if strings.TrimSpace(msg.Text) == "" && msg.Voting == nil {
		return history.Entry{}, 0, ErrEmptyMessage
	}
	var target types.Host
	if to != nil {
		if target, err = n.peerByID(*to); err != nil {
			return history.Entry{}, 0, err
		}
	}
	msg.SentByMe = true
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	entry = n.history.Append(msg, nil)
	n.publish(entry)
	if to != nil {
		if n.server.SendToPeer(target, msg) {
			delivered = 1
		}
	} else {
		delivered = n.server.Broadcast(msg)
	}
	return entry, delivered, nil
}

// Vote applies this node's vote to the poll at seq and, when the vote is
// new, sends the updated poll to every connected peer. Tallies are local:
// peers append the updated poll as a new message.
func (n *Node) Vote(seq uint64, option string) (entry history.Entry, delivered int, err error) {
	self := n.Self()
	entry, applied, err := n.history.Vote(seq, option, self.ID)
	if err != nil {
		return entry, 0, err
	}
	if !applied {
		return entry, 0, nil
	}
	update := types.NewPollMessage(entry.Message.Voting.Clone())
	delivered = n.server.Broadcast(update)
	n.log.Info("vote cast", "seq", seq, "option", option, "delivered", delivered)
	return entry, delivered, nil
}

// LookupPeer resolves ref, which is either a peer id or a display name,
// against connected peers first and dial targets second.
func (n *Node) LookupPeer(ref string) (types.Host, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return n.peerByID(id)
	}
	for _, list := range [][]types.Host{n.Connected(), n.Known()} {
		var match []types.Host
		for _, h := range list {
			if h.Name == ref {
				match = append(match, h)
			}
		}
		switch len(match) {
		case 0:
			continue
		case 1:
			return match[0], nil
		default:
			return types.Host{}, fmt.Errorf("%w: %q", ErrAmbiguousPeer, ref)
		}
	}
	return types.Host{}, fmt.Errorf("%w: %q", ErrUnknownPeer, ref)
}

func (n *Node) peerByID(id uuid.UUID) (types.Host, error) {
	for _, list := range [][]types.Host{n.Known(), n.Connected()} {
		for _, h := range list {
			if h.ID == id {
				return h, nil
			}
		}
	}
	if h, err := n.book.Get(id); err == nil {
		return h, nil
	}
	return types.Host{}, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
}
