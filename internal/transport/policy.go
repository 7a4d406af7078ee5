package transport

import (
	"fmt"
	"strings"

	"github.com/dkeye/Shortgap/internal/domain"
)

type BackpressureAction int

const (
	BlockProducer BackpressureAction = iota
	DropNewest
)

// Policy decides what a reader does when the inbound queue is full.
// Blocking stalls that peer's stream only, which propagates backpressure to
// the sender through the socket.
type Policy interface {
	OnBackPressure(peerID string, msg domain.NetworkMessage) BackpressureAction
}

type BlockPolicy struct{}

func (BlockPolicy) OnBackPressure(string, domain.NetworkMessage) BackpressureAction {
	return BlockProducer
}

type DropNewestPolicy struct{}

func (DropNewestPolicy) OnBackPressure(string, domain.NetworkMessage) BackpressureAction {
	return DropNewest
}

const (
	PolicyNameBlock      = "block"
	PolicyNameDropNewest = "drop_newest"
)

// PolicyByName resolves the configured overflow policy. Empty means block.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyNameBlock:
		return BlockPolicy{}, nil
	case PolicyNameDropNewest:
		return DropNewestPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown overflow policy %q", name)
}
