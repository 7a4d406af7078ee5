package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dkeye/Shortgap/internal/domain"
)

// prober times an application round trip: a PingMeasurement probe answered
// by a pong carrying the same nonce.
type prober struct {
	s *Session

	mu      sync.Mutex
	pending map[string]chan struct{}
}

func newProber(s *Session) *prober {
	return &prober{s: s, pending: make(map[string]chan struct{})}
}

func (p *prober) Probe(ctx context.Context, addr string) error {
	peerID, ok := p.s.peerFor(addr)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, addr)
	}

	nonce := uuid.NewString()
	done := make(chan struct{})
	p.mu.Lock()
	p.pending[nonce] = done
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, nonce)
		p.mu.Unlock()
	}()

	msg, err := p.s.newMessage(domain.MsgPingMeasurement, domain.PingPayload{Kind: domain.PingKindProbe, Nonce: nonce})
	if err != nil {
		return err
	}
	if err := p.s.transport.SendToPeer(ctx, peerID, msg.Addressed(peerID)); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve completes the probe waiting on nonce.
func (p *prober) resolve(nonce string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	done, ok := p.pending[nonce]
	if !ok {
		return false
	}
	delete(p.pending, nonce)
	close(done)
	return true
}
