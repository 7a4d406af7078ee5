// Package invite encodes and decodes the offline room-join token.
//
// A token is "shortgap://" followed by the URL-safe, unpadded base64 of the
// JSON-encoded Data. Tokens carry no integrity protection.
package invite

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dkeye/Shortgap/internal/domain"
)

const Prefix = "shortgap://"

// DefaultMaxAge is how long a token stays valid for join and validate.
const DefaultMaxAge = 24 * time.Hour

type Data struct {
	RoomID        domain.RoomID   `json:"room_id"`
	RoomName      string          `json:"room_name"`
	CreatorName   string          `json:"creator_name"`
	PeerAddresses []string        `json:"peer_addresses"`
	Protocol      domain.Protocol `json:"protocol"`
	CreatedAt     time.Time       `json:"created_at"`
}

func New(room *domain.Room, creatorName string) Data {
	peers := make([]string, len(room.PeerAddresses))
	copy(peers, room.PeerAddresses)
	return Data{
		RoomID:        room.ID,
		RoomName:      room.Name,
		CreatorName:   creatorName,
		PeerAddresses: peers,
		Protocol:      room.Protocol,
		CreatedAt:     time.Now().UTC(),
	}
}

func Encode(d Data) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode invite: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// Parse accepts a token with or without the prefix.
func Parse(code string) (Data, error) {
	body := strings.TrimPrefix(strings.TrimSpace(code), Prefix)
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return Data{}, fmt.Errorf("%w: base64: %w", domain.ErrInvalidInvite, err)
	}
	if !utf8.Valid(raw) {
		return Data{}, fmt.Errorf("%w: %w", domain.ErrInvalidInvite, domain.ErrInvalidUTF8)
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return Data{}, fmt.Errorf("%w: json: %w", domain.ErrInvalidInvite, err)
	}
	return d, nil
}

func (d Data) IsExpired(maxAge time.Duration) bool {
	return time.Since(d.CreatedAt) > maxAge
}

func (d Data) PrimaryPeer() (string, bool) {
	if len(d.PeerAddresses) == 0 {
		return "", false
	}
	return d.PeerAddresses[0], true
}

func (d Data) FallbackPeers() []string {
	if len(d.PeerAddresses) < 2 {
		return []string{}
	}
	out := make([]string, len(d.PeerAddresses)-1)
	copy(out, d.PeerAddresses[1:])
	return out
}

// Validate checks what a joiner needs before dialing anyone.
func (d Data) Validate(maxAge time.Duration) error {
	if d.IsExpired(maxAge) {
		return domain.ErrInviteExpired
	}
	if len(d.PeerAddresses) == 0 {
		return fmt.Errorf("%w: %w in invite", domain.ErrInvalidInvite, domain.ErrNoPeers)
	}
	return nil
}

func (d Data) Summary() string {
	return fmt.Sprintf("Valid invite:\n- Room: '%s'\n- Creator: %s\n- Protocol: %s\n- Peers: %d available\n- Created: %s",
		d.RoomName, d.CreatorName, d.Protocol, len(d.PeerAddresses),
		d.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"))
}
