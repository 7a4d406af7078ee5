package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/dkeye/Shortgap/internal/domain"
)

const (
	frameHeaderLen = 4
	// DefaultMaxFrameSize caps a single frame body.
	DefaultMaxFrameSize = 16 << 20
)

// WriteFrame writes a u32 big-endian length followed by payload in one Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return domain.ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame. Bodies larger than maxSize are rejected
// before any allocation.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if maxSize > 0 && n > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", domain.ErrFrameTooLarge, n, maxSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func EncodeMessage(msg domain.NetworkMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode network message: %w", err)
	}
	return data, nil
}

// DecodeMessage validates UTF-8 before decoding the JSON envelope.
func DecodeMessage(data []byte) (domain.NetworkMessage, error) {
	if !utf8.Valid(data) {
		return domain.NetworkMessage{}, domain.ErrInvalidUTF8
	}
	var msg domain.NetworkMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.NetworkMessage{}, fmt.Errorf("decode network message: %w", err)
	}
	return msg, nil
}
