package p2p

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/0xphantomotr/ndchat/pkg/types"
)

type BindResult uint8

const (
	// BindNew registered a key that had no live connection.
	BindNew BindResult = iota
	// BindReplaced closed the previous connection for the key.
	BindReplaced
	// BindRefreshed updated the host of an already bound connection.
	BindRefreshed
	// BindRejected kept the existing connection; the caller closes the new one.
	BindRejected
	// BindRefused hit the peer limit.
	BindRefused
)

type entry struct {
	host types.Host
	conn *Conn
}

// Registry maps host ids to their single live connection.
type Registry struct {
	mu    sync.RWMutex
	peers map[uuid.UUID]*entry
	max   int
}

func NewRegistry(maxPeers int) *Registry {
	return &Registry{peers: make(map[uuid.UUID]*entry), max: maxPeers}
}

// Upsert binds host to conn, closing any different connection bound to the
// same id.
func (r *Registry) Upsert(host types.Host, conn *Conn) BindResult {
	res, _ := r.Bind(host, conn, nil)
	return res
}

// Bind is Upsert with a veto: when a different live connection is bound to
// host.ID, keepExisting decides whether it survives. The displaced connection
// is marked superseded and closed before Bind returns. A conn that is already
// closed is rejected with a nil existing connection.
func (r *Registry) Bind(host types.Host, conn *Conn, keepExisting func(existing *Conn) bool) (BindResult, *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn.State() == StateClosed {
		return BindRejected, nil
	}

	cur, ok := r.peers[host.ID]
	switch {
	case !ok:
		if r.max > 0 && len(r.peers) >= r.max {
			return BindRefused, nil
		}
		r.peers[host.ID] = &entry{host: host, conn: conn}
		return BindNew, nil
	case cur.conn == conn:
		cur.host = host
		return BindRefreshed, nil
	}

	old := cur.conn
	if old.State() != StateClosed && keepExisting != nil && keepExisting(old) {
		return BindRejected, old
	}
	old.markSuperseded()
	old.Close()
	r.peers[host.ID] = &entry{host: host, conn: conn}
	return BindReplaced, old
}

// Remove unbinds id and returns the connection it was bound to, if any.
func (r *Registry) Remove(id uuid.UUID) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.peers[id]
	if !ok {
		return nil
	}
	delete(r.peers, id)
	return cur.conn
}

// RemoveConn unbinds id only while it is still bound to conn.
func (r *Registry) RemoveConn(id uuid.UUID, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.peers[id]
	if !ok || cur.conn != conn {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *Registry) Find(id uuid.UUID) (types.Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.peers[id]
	if !ok {
		return types.Host{}, false
	}
	return cur.host, true
}

func (r *Registry) Conn(id uuid.UUID) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cur, ok := r.peers[id]; ok {
		return cur.conn
	}
	return nil
}

// List returns the connected hosts ordered by name, then id.
func (r *Registry) List() []types.Host {
	r.mu.RLock()
	hosts := make([]types.Host, 0, len(r.peers))
	for _, e := range r.peers {
		hosts = append(hosts, e.host)
	}
	r.mu.RUnlock()

	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Name != hosts[j].Name {
			return hosts[i].Name < hosts[j].Name
		}
		return hosts[i].ID.String() < hosts[j].ID.String()
	})
	return hosts
}

func (r *Registry) Conns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.peers))
	for _, e := range r.peers {
		conns = append(conns, e.conn)
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
