package app

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Registry maps transport connection ids to the advertised address of the
// peer behind them. Accepted connections are keyed by an ephemeral remote
// address, so the mapping is learned from the From field of inbound messages.
type Registry struct {
	mu     sync.RWMutex
	byPeer map[string]string
	byAddr map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byPeer: make(map[string]string),
		byAddr: make(map[string]string),
	}
}

// Bind records that peerID speaks for addr. The latest binding for an address wins.
func (r *Registry) Bind(peerID, addr string) {
	if peerID == "" || addr == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byPeer[peerID] == addr && r.byAddr[addr] == peerID {
		return
	}
	r.byPeer[peerID] = addr
	r.byAddr[addr] = peerID
	log.Debug().Str("module", "app.registry").Str("peer", peerID).Str("addr", addr).Msg("bound peer")
}

func (r *Registry) AddrOf(peerID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.byPeer[peerID]
	return addr, ok
}

func (r *Registry) PeerOfAddr(addr string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAddr[addr]
	return id, ok
}

func (r *Registry) Unbind(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.byPeer[peerID]
	if !ok {
		return
	}
	delete(r.byPeer, peerID)
	if r.byAddr[addr] == peerID {
		delete(r.byAddr, addr)
	}
	log.Debug().Str("module", "app.registry").Str("peer", peerID).Msg("unbound peer")
}

// UnbindAddr forgets every connection bound to addr.
func (r *Registry) UnbindAddr(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.byPeer {
		if a == addr {
			delete(r.byPeer, id)
		}
	}
	delete(r.byAddr, addr)
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPeer = make(map[string]string)
	r.byAddr = make(map[string]string)
	log.Info().Str("module", "app.registry").Msg("registry reset")
}
