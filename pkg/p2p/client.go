package p2p

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0xphantomotr/ndchat/pkg/metrics"
	"github.com/0xphantomotr/ndchat/pkg/types"
)

type Dialer struct {
	cfg Config
}

func (d *Dialer) DialContext(ctx context.Context, addr string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.DialTimeout}
	return nd.DialContext(ctx, "tcp", addr)
}

// dialTarget is a peer this server keeps an outbound link to.
type dialTarget struct {
	host types.Host

	mu      sync.Mutex
	cancel  context.CancelFunc
	conn    *Conn
	learned uuid.UUID
}

func (t *dialTarget) setConn(c *Conn) {
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
}

func (t *dialTarget) current() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// learnedID is the id the remote announced on this target's last link. It
// differs from host.ID when the local entry was created with another name.
func (t *dialTarget) learnedID() uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.learned
}

// stop cancels the dial loop before reading the current link, so a link set
// concurrently is closed either here or by the loop itself.
func (t *dialTarget) stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c := t.current(); c != nil {
		c.Close()
	}
}

func (s *Server) startDialLocked(t *dialTarget) {
	ctx, cancel := context.WithCancel(s.ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	s.wg.Add(1)
	go s.dialLoop(ctx, t)
}

func (s *Server) noteLearned(c *Conn, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		t.mu.Lock()
		if t.conn == c {
			t.learned = id
		}
		t.mu.Unlock()
	}
}

// linked reports whether the target's peer is already reachable through a
// connection other than the target's own.
func (s *Server) linked(t *dialTarget) bool {
	own := t.current()
	for _, id := range []uuid.UUID{t.host.ID, t.learnedID()} {
		if id == uuid.Nil {
			continue
		}
		if c := s.registry.Conn(id); c != nil && c != own {
			return true
		}
	}
	return false
}

// dialLoop keeps one outbound link to t alive until ctx is cancelled. Failed
// attempts and dropped links are retried after DialBackoff.
func (s *Server) dialLoop(ctx context.Context, t *dialTarget) {
	defer s.wg.Done()
	log := s.log.With("peer", t.host.String())

	for ctx.Err() == nil {
		if s.linked(t) {
			if !sleepContext(ctx, s.cfg.DialBackoff) {
				return
			}
			continue
		}

		raw, err := s.dialer.DialContext(ctx, t.host.Addr())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncDialFailures()
			log.Debug("dial failed, retrying", "err", err, "backoff", s.cfg.DialBackoff)
			if !sleepContext(ctx, s.cfg.DialBackoff) {
				return
			}
			continue
		}

		c := newConn(raw, RoleInitiator)
		if !s.track(c, false) {
			raw.Close()
			return
		}
		t.setConn(c)
		if ctx.Err() != nil {
			c.Close()
		}
		log.Debug("connected", "local", raw.LocalAddr().String())
		s.serveConn(c)
		t.setConn(nil)

		if !sleepContext(ctx, s.cfg.DialBackoff) {
			return
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
