// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const MaxUsernameLen = 36

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")
)

type UserID = uuid.UUID

// User is a room participant. Avatar and audio device names are opaque.
type User struct {
	ID                UserID    `json:"id"`
	Name              string    `json:"name"`
	Avatar            *string   `json:"avatar"`
	Address           string    `json:"address"`
	AudioInputDevice  *string   `json:"audio_input_device"`
	AudioOutputDevice *string   `json:"audio_output_device"`
	IsOnline          bool      `json:"is_online"`
	LastSeen          time.Time `json:"last_seen"`
	IsInCall          bool      `json:"is_in_call"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(name, address string) (*User, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return &User{
		ID:       uuid.New(),
		Name:     name,
		Address:  address,
		IsOnline: true,
		LastSeen: time.Now().UTC(),
	}, nil
}

func (u *User) SetName(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	u.Name = name
	return nil
}

func (u *User) Touch(now time.Time) { u.LastSeen = now }

func (u *User) SetAudioDevices(input, output *string) {
	u.AudioInputDevice = input
	u.AudioOutputDevice = output
}

func validateName(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	return nil
}
