package storage

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Shortgap/internal/domain"
)

func newStore(t *testing.T) (*RoomStore, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return NewRoomStore(fs, "/data/shortgap/rooms"), fs
}

func sampleRoom(t *testing.T) *domain.Room {
	t.Helper()
	u, err := domain.NewUser("Alice", "10.0.0.1:8080")
	require.NoError(t, err)
	room := domain.NewRoom("Lobby", u.ID, domain.ProtocolTCP)
	room.Users[u.ID] = u
	room.PeerAddresses = append(room.PeerAddresses, u.Address)
	room.Messages = append(room.Messages, domain.NewChatMessage(u, "hello"))
	room.ServerUserID = &u.ID
	return room
}

func TestSaveLoad(t *testing.T) {
	s, fs := newStore(t)
	room := sampleRoom(t)

	require.NoError(t, s.Save(room))
	ok, err := afero.Exists(fs, filepath.Join(s.Dir(), room.ID.String()+".json"))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Load(room.ID)
	require.NoError(t, err)
	require.Equal(t, room.ID, got.ID)
	require.Equal(t, room.Name, got.Name)
	require.Len(t, got.Users, 1)
	require.Equal(t, "hello", got.Messages[0].Content)
	require.Equal(t, *room.ServerUserID, *got.ServerUserID)
}

func TestSaveOverwritesWithoutLeftovers(t *testing.T) {
	s, fs := newStore(t)
	room := sampleRoom(t)
	require.NoError(t, s.Save(room))
	room.Name = "Renamed"
	require.NoError(t, s.Save(room))

	got, err := s.Load(room.ID)
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Name)

	entries, err := afero.ReadDir(fs, s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, strings.HasSuffix(entries[0].Name(), ".tmp"))
}

func TestLoadMissing(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Load(uuid.New())
	require.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestLoadCorrupt(t *testing.T) {
	s, fs := newStore(t)
	id := uuid.New()
	require.NoError(t, fs.MkdirAll(s.Dir(), 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(s.Dir(), id.String()+".json"), []byte("{"), 0o644))

	_, err := s.Load(id)
	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, domain.KindStorage, domain.Classify(err))
}

func TestListOnlyUUIDDocuments(t *testing.T) {
	s, fs := newStore(t)

	ids, err := s.List()
	require.NoError(t, err)
	require.Empty(t, ids)

	a, b := sampleRoom(t), sampleRoom(t)
	require.NoError(t, s.Save(a))
	require.NoError(t, s.Save(b))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(s.Dir(), "notes.json"), []byte("{}"), 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(s.Dir(), uuid.NewString()+".txt"), []byte("x"), 0o644))

	ids, err = s.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []domain.RoomID{a.ID, b.ID}, ids)

	rooms, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, rooms, 2)

	require.NoError(t, s.Delete(a.ID))
	require.NoError(t, s.Delete(a.ID))
	ids, err = s.List()
	require.NoError(t, err)
	require.Equal(t, []domain.RoomID{b.ID}, ids)
}
