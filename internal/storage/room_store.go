// Package storage persists rooms as one JSON document per room id.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/dkeye/Shortgap/internal/domain"
)

const roomExt = ".json"

// DefaultDir is <user config dir>/shortgap/rooms.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "shortgap", "rooms"), nil
}

type RoomStore struct {
	fs  afero.Fs
	dir string
}

func NewRoomStore(fs afero.Fs, dir string) *RoomStore {
	return &RoomStore{fs: fs, dir: dir}
}

// NewOSRoomStore stores rooms on disk under dir.
func NewOSRoomStore(dir string) *RoomStore {
	return NewRoomStore(afero.NewOsFs(), dir)
}

func (s *RoomStore) Dir() string { return s.dir }

func (s *RoomStore) path(id domain.RoomID) string {
	return filepath.Join(s.dir, id.String()+roomExt)
}

// Save writes the room to a temp file and renames it over the old document.
func (s *RoomStore) Save(room *domain.Room) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return &domain.StorageError{Op: "save", Err: err}
	}
	data, err := json.MarshalIndent(room, "", "  ")
	if err != nil {
		return &domain.StorageError{Op: "save", Err: err}
	}

	tmp, err := afero.TempFile(s.fs, s.dir, room.ID.String()+".*.tmp")
	if err != nil {
		return &domain.StorageError{Op: "save", Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return &domain.StorageError{Op: "save", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return &domain.StorageError{Op: "save", Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return &domain.StorageError{Op: "save", Err: err}
	}
	if err := s.fs.Rename(tmpName, s.path(room.ID)); err != nil {
		_ = s.fs.Remove(tmpName)
		return &domain.StorageError{Op: "save", Err: err}
	}
	log.Debug().Str("module", "storage").Str("room", room.ID.String()).Msg("room saved")
	return nil
}

func (s *RoomStore) Load(id domain.RoomID) (*domain.Room, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, id)
		}
		return nil, &domain.StorageError{Op: "load", Err: err}
	}
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, &domain.StorageError{Op: "load", Err: err}
	}
	return &room, nil
}

func (s *RoomStore) Delete(id domain.RoomID) error {
	if err := s.fs.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &domain.StorageError{Op: "delete", Err: err}
	}
	return nil
}

// List returns the ids of every saved room. A missing directory is empty.
func (s *RoomStore) List() ([]domain.RoomID, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &domain.StorageError{Op: "list", Err: err}
	}
	var ids []domain.RoomID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, roomExt) {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, roomExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b domain.RoomID) int { return strings.Compare(a.String(), b.String()) })
	return ids, nil
}

// LoadAll loads every saved room, skipping unreadable documents.
func (s *RoomStore) LoadAll() ([]*domain.Room, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	rooms := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.Load(id)
		if err != nil {
			log.Warn().Err(err).Str("module", "storage").Str("room", id.String()).Msg("skip unreadable room")
			continue
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}
