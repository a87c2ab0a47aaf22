package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xphantomotr/ndchat/pkg/metrics"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

// Server listens for peers, dials the configured ones and keeps at most one
// live connection per peer id.
type Server struct {
	cfg        Config
	log        *slog.Logger
	registry   *Registry
	dispatcher *Dispatcher
	dialer     *Dialer

	mu       sync.Mutex
	self     types.Host
	listener net.Listener
	targets  map[uuid.UUID]*dialTarget
	conns    map[*Conn]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	stopped  bool

	wg sync.WaitGroup
}

func NewServer(cfg Config, handlers ...HandlerFunc) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:        cfg,
		log:        cfg.Logger.With("component", "p2p"),
		registry:   NewRegistry(cfg.MaxPeers),
		dispatcher: NewDispatcher(handlers...),
		dialer:     &Dialer{cfg: cfg},
		self:       cfg.Self,
		targets:    make(map[uuid.UUID]*dialTarget),
		conns:      make(map[*Conn]struct{}),
	}
	for _, peer := range cfg.Peers {
		s.AddPeer(peer)
	}
	return s
}

// Start binds the listener and begins dialing every known peer. A listen
// failure is returned as is; nothing is retried.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return ErrAlreadyStarted
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("p2p: listen %s: %w", s.cfg.ListenAddr, err)
	}
	if s.self.Port == 0 {
		if addr, ok := ln.Addr().(*net.TCPAddr); ok {
			s.self.Port = addr.Port
		}
	}
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true

	s.wg.Add(1)
	go s.acceptLoop(ln)
	for _, t := range s.targets {
		s.startDialLocked(t)
	}
	s.log.Info("p2p server started", "listen", ln.Addr().String(), "self", s.self.String(), "peers", len(s.targets))
	return nil
}

// Stop sends a best-effort DISCONNECT to every established peer, closes all
// sockets and waits for the workers to exit. No handler runs after Stop.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	self := s.self
	ln := s.listener
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.dispatcher.Close()
	for _, c := range s.registry.Conns() {
		if c.State() != StateEstablished {
			continue
		}
		if err := c.sendDisconnect(self, s.cfg.DisconnectTimeout); err != nil {
			s.log.Debug("disconnect not delivered", "remote", c.RemoteAddr().String(), "err", err)
		}
	}
	s.cancel()
	err := ln.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	s.log.Info("p2p server stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) Self() types.Host {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Addr is the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) RegisterHandler(handler HandlerFunc) {
	s.dispatcher.Register(handler)
}

// Connected lists peers with a completed handshake.
func (s *Server) Connected() []types.Host {
	return s.registry.List()
}

// Known lists the peers this server dials.
func (s *Server) Known() []types.Host {
	s.mu.Lock()
	hosts := make([]types.Host, 0, len(s.targets))
	for _, t := range s.targets {
		hosts = append(hosts, t.host)
	}
	s.mu.Unlock()

	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Name != hosts[j].Name {
			return hosts[i].Name < hosts[j].Name
		}
		return hosts[i].ID.String() < hosts[j].ID.String()
	})
	return hosts
}

// State reports the state of the connection bound to id.
func (s *Server) State(id uuid.UUID) State {
	if c := s.resolve(id); c != nil {
		return c.State()
	}
	return StateClosed
}

// AddPeer starts dialing host. Hosts already dialed are ignored.
func (s *Server) AddPeer(host types.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if host.ID == s.self.ID {
		s.log.Warn("ignoring self as peer", "peer", host.String())
		return
	}
	if _, ok := s.targets[host.ID]; ok {
		return
	}
	t := &dialTarget{host: host}
	s.targets[host.ID] = t
	if s.running {
		s.startDialLocked(t)
	}
}

// RemovePeer stops dialing host and closes its connection. host may be a
// configured target or a connected peer.
func (s *Server) RemovePeer(host types.Host) {
	s.mu.Lock()
	t := s.findTargetLocked(host.ID)
	if t != nil {
		delete(s.targets, t.host.ID)
	}
	s.mu.Unlock()

	ids := []uuid.UUID{host.ID}
	if t != nil {
		t.stop()
		ids = append(ids, t.host.ID, t.learnedID())
	}
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if c := s.registry.Remove(id); c != nil {
			c.Close()
		}
	}
	metrics.SetPeerCount(s.registry.Len())
	s.log.Info("peer removed", "peer", host.String())
}

// UpdatePeer closes the link held under host's id and redials with the new
// endpoint.
func (s *Server) UpdatePeer(host types.Host) {
	s.RemovePeer(host)
	s.AddPeer(host)
}

// SendToPeer writes msg to host's connection. Offline peers are skipped with
// a warning; nothing is queued.
func (s *Server) SendToPeer(host types.Host, msg types.ChatMessage) bool {
	c := s.resolve(host.ID)
	if c == nil || c.State() != StateEstablished {
		s.log.Warn("peer not connected, message dropped", "peer", host.String())
		return false
	}
	if err := c.send(NewMessage(msg)); err != nil {
		s.sendFailed(c, err)
		return false
	}
	metrics.IncMessagesSent()
	return true
}

// Broadcast writes msg to every established peer and returns how many
// writes succeeded. A failing peer does not stop the others.
func (s *Server) Broadcast(msg types.ChatMessage) int {
	line, err := EncodePacket(NewMessage(msg))
	if err != nil {
		s.log.Error("encode broadcast", "err", err)
		return 0
	}
	sent := 0
	for _, c := range s.registry.Conns() {
		if c.State() != StateEstablished {
			continue
		}
		if err := c.writeLine(line); err != nil {
			s.sendFailed(c, err)
			continue
		}
		metrics.IncMessagesSent()
		sent++
	}
	return sent
}

func (s *Server) sendFailed(c *Conn, err error) {
	metrics.IncSendFailures()
	s.log.Warn("send failed, closing connection", "remote", c.RemoteAddr().String(), "err", err)
	c.Close()
}

func (s *Server) resolve(id uuid.UUID) *Conn {
	if c := s.registry.Conn(id); c != nil {
		return c
	}
	s.mu.Lock()
	t := s.findTargetLocked(id)
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	if learned := t.learnedID(); learned != uuid.Nil {
		return s.registry.Conn(learned)
	}
	return nil
}

func (s *Server) findTargetLocked(id uuid.UUID) *dialTarget {
	if t, ok := s.targets[id]; ok {
		return t
	}
	for _, t := range s.targets {
		if t.learnedID() == id {
			return t
		}
	}
	return nil
}

// track records c so Stop can close it. It fails once the server stops.
func (s *Server) track(c *Conn, spawn bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return false
	}
	s.conns[c] = struct{}{}
	if spawn {
		s.wg.Add(1)
	}
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "err", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		c := newConn(raw, RoleAcceptor)
		if !s.track(c, true) {
			raw.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			s.serveConn(c)
		}()
	}
}

// serveConn announces self and runs the read loop until the peer
// disconnects, the stream ends or the socket is closed.
func (s *Server) serveConn(c *Conn) {
	defer s.cleanup(c)

	log := s.log.With("remote", c.RemoteAddr().String(), "role", c.Role().String())
	c.setState(StateHandshaking)
	if _, err := c.sendHandshake(s.Self()); err != nil {
		log.Debug("handshake write failed", "err", err)
		return
	}

	sc := newLineScanner(c.raw, s.cfg.MaxLineSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		pkt, err := DecodePacket(line)
		if err != nil {
			metrics.IncDecodeErrors()
			log.Warn("discarding line", "err", err)
			continue
		}
		switch p := pkt.(type) {
		case Handshake:
			if !s.handleHandshake(c, p, log) {
				return
			}
		case Message:
			s.handleMessage(c, p, log)
		case Disconnect:
			log.Info("peer disconnected")
			return
		}
	}
	if err := sc.Err(); err != nil && c.State() != StateClosed {
		log.Debug("read loop ended", "err", err)
	}
}

// handleHandshake binds c to the announced host. It returns false when the
// connection must be dropped.
func (s *Server) handleHandshake(c *Conn, p Handshake, log *slog.Logger) bool {
	remote := p.Host()
	self := s.Self()
	if remote.ID == self.ID {
		log.Warn("connected to self, closing")
		return false
	}
	if c.Role() == RoleInitiator {
		s.noteLearned(c, remote.ID)
	}

	if prev, ok := c.Host(); ok && prev.ID != remote.ID {
		if s.registry.RemoveConn(prev.ID, c) {
			s.dispatcher.PeerLeft(prev)
		}
	}

	res, other := s.registry.Bind(remote, c, func(existing *Conn) bool {
		return s.keepExisting(self, remote, existing, c)
	})
	switch res {
	case BindRejected:
		if other == nil {
			log.Debug("link closed during handshake", "peer", remote.String())
			return false
		}
		log.Debug("duplicate link, keeping existing", "peer", remote.String(), "kept", other.Role().String())
		return false
	case BindRefused:
		log.Warn("peer limit reached, closing", "peer", remote.String(), "max", s.cfg.MaxPeers)
		return false
	case BindReplaced:
		log.Debug("replaced connection", "peer", remote.String(), "dropped", other.Role().String())
	}

	c.bind(remote)
	if sent, err := c.sendHandshake(self); err != nil {
		log.Debug("handshake reply failed", "err", err)
		return false
	} else if sent {
		log.Debug("handshake reply sent")
	}
	c.setState(StateEstablished)
	metrics.SetPeerCount(s.registry.Len())

	if res == BindNew {
		metrics.IncHandshakes()
		log.Info("handshake complete", "peer", remote.String())
		s.dispatcher.PeerJoined(remote)
	}
	return true
}

// keepExisting decides between two links to the same peer. The link dialed
// by the host with the larger id survives; links of the same role are
// resolved in favour of the newer one.
func (s *Server) keepExisting(self, remote types.Host, existing, incoming *Conn) bool {
	if existing.Role() == incoming.Role() {
		return false
	}
	preferred := RoleAcceptor
	if self.ID.String() > remote.ID.String() {
		preferred = RoleInitiator
	}
	return existing.Role() == preferred
}

func (s *Server) handleMessage(c *Conn, p Message, log *slog.Logger) {
	host, ok := c.Host()
	if !ok {
		metrics.IncDecodeErrors()
		log.Warn("message before handshake, discarding")
		return
	}
	metrics.IncMessagesReceived()
	s.dispatcher.Deliver(p.ChatMessage(host.ID), &host)
}

// cleanup runs once per connection when its worker exits.
func (s *Server) cleanup(c *Conn) {
	c.setState(StateClosing)
	host, bound := c.Host()
	notify := bound && !c.isSuperseded()
	if notify {
		s.registry.RemoveConn(host.ID, c)
	}
	c.Close()
	s.untrack(c)
	if notify {
		metrics.SetPeerCount(s.registry.Len())
		s.log.Info("peer left", "peer", host.String())
		s.dispatcher.PeerLeft(host)
	}
}
