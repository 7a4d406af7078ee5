package domain

import (
	"errors"
	"fmt"
	"strings"
)

// User errors: surfaced verbatim, never retried.
var (
	ErrNoProfile       = errors.New("no user configured, set up your profile first")
	ErrNotInRoom       = errors.New("not currently in a room")
	ErrRoomActive      = errors.New("a room is already active, leave it first")
	ErrUserNotFound    = errors.New("user not found")
	ErrRoomNotFound    = errors.New("room not found")
	ErrInvalidID       = errors.New("invalid id")
	ErrInvalidInvite   = errors.New("invalid invite code")
	ErrInviteExpired   = errors.New("invite code has expired")
	ErrNoPeers         = errors.New("no peer addresses")
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrAlreadyInCall   = errors.New("user is already in call")
	ErrNotInCall       = errors.New("user is not in call")
	ErrEmptyMessage    = errors.New("message content is empty")
	ErrRoomNameEmpty   = errors.New("room name empty")
)

// Connectivity errors.
var (
	ErrPeerNotFound         = errors.New("peer not found")
	ErrConnectTimeout       = errors.New("connect timed out")
	ErrUnsupportedProtocol  = errors.New("protocol has no transport backend")
	ErrTransportClosed      = errors.New("transport closed")
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size")
	ErrInvalidUTF8          = errors.New("payload is not valid utf-8")
	ErrAllConnectionsFailed = errors.New("could not connect to any peer")
)

// State conflicts: rejected before any side effect.
var (
	ErrDuplicateUser    = errors.New("user id already exists in this room")
	ErrSwitchInProgress = errors.New("protocol switch already in progress")
)

// ConnectionError is one failed attempt to reach a peer.
type ConnectionError struct {
	Addr     string
	Protocol Protocol
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s via %s: %v", e.Addr, e.Protocol, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// JoinError aggregates every attempt of a multi-peer join.
type JoinError struct {
	Attempts []error
}

func (e *JoinError) Error() string {
	msgs := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		msgs = append(msgs, a.Error())
	}
	return fmt.Sprintf("could not connect to any peers in the room, tried %d peers: %s",
		len(e.Attempts), strings.Join(msgs, "; "))
}

func (e *JoinError) Unwrap() []error {
	return append([]error{ErrAllConnectionsFailed}, e.Attempts...)
}

// StorageError marks a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// ProtocolError marks a malformed frame from a peer.
type ProtocolError struct {
	Peer string
	Err  error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("peer %s: %v", e.Peer, e.Err) }

func (e *ProtocolError) Unwrap() error { return e.Err }

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindUser
	KindConnectivity
	KindProtocol
	KindConflict
	KindStorage
)

func (k ErrorKind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindConnectivity:
		return "connectivity"
	case KindProtocol:
		return "protocol"
	case KindConflict:
		return "conflict"
	case KindStorage:
		return "storage"
	}
	return "internal"
}

// Classify maps an error onto the error taxonomy.
func Classify(err error) ErrorKind {
	var (
		connErr  *ConnectionError
		joinErr  *JoinError
		storeErr *StorageError
		protoErr *ProtocolError
	)
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrDuplicateUser), errors.Is(err, ErrSwitchInProgress):
		return KindConflict
	case errors.As(err, &storeErr):
		return KindStorage
	case errors.As(err, &protoErr):
		return KindProtocol
	case errors.As(err, &connErr), errors.As(err, &joinErr),
		errors.Is(err, ErrPeerNotFound), errors.Is(err, ErrConnectTimeout),
		errors.Is(err, ErrUnsupportedProtocol), errors.Is(err, ErrTransportClosed):
		return KindConnectivity
	}
	for _, target := range []error{
		ErrNoProfile, ErrNotInRoom, ErrRoomActive, ErrUserNotFound, ErrRoomNotFound,
		ErrInvalidID, ErrInvalidInvite, ErrInviteExpired, ErrNoPeers, ErrUnknownProtocol,
		ErrAlreadyInCall, ErrNotInCall, ErrUsernameEmpty, ErrUsernameTooLong,
		ErrEmptyMessage, ErrRoomNameEmpty,
	} {
		if errors.Is(err, target) {
			return KindUser
		}
	}
	return KindInternal
}
