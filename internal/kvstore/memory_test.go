package kvstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemory_SetGetRemove(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	_, ok, err := s.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set("a", []byte("1")))
	v, ok, err := s.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	require.NoError(t, s.Remove("a"))
	_, ok, _ = s.Get("a")
	require.False(t, ok)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	require.NoError(t, s.Set("a", []byte("abc")))
	v, _, _ := s.Get("a")
	v[0] = 'x'

	again, _, _ := s.Get("a")
	require.Equal(t, []byte("abc"), again)
}

func TestMemory_TTLExpiry(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	now := time.Unix(1000, 0)
	s.SetNowFunc(func() time.Time { return now })

	require.NoError(t, s.SetTTL("a", []byte("1"), 60))
	_, ok, _ := s.Get("a")
	require.True(t, ok)

	now = now.Add(59 * time.Second)
	_, ok, _ = s.Get("a")
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = s.Get("a")
	require.False(t, ok, "entry past its TTL must read as absent")

	keys, err := s.List("")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestMemory_ListByPrefix(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	require.NoError(t, s.Set("progress:u1:c2", []byte("1")))
	require.NoError(t, s.Set("progress:u1:c1", []byte("1")))
	require.NoError(t, s.Set("progress:u2:c1", []byte("1")))
	require.NoError(t, s.Set("access:u1:c1", []byte("1")))

	keys, err := s.List("progress:u1:")
	require.NoError(t, err)
	require.Equal(t, []string{"progress:u1:c1", "progress:u1:c2"}, keys)
}

func TestMemory_SubscribeByPrefix(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	var events []Event
	cancel := s.Subscribe("progress:", func(ev Event) { events = append(events, ev) })

	require.NoError(t, s.Set("progress:u1:c1", []byte("1")))
	require.NoError(t, s.Set("access:u1:c1", []byte("1")))
	require.NoError(t, s.Remove("progress:u1:c1"))

	require.Len(t, events, 2)
	require.Equal(t, "progress:u1:c1", events[0].Key)
	require.False(t, events[0].Deleted)
	require.True(t, events[1].Deleted)

	cancel()
	require.NoError(t, s.Set("progress:u1:c2", []byte("1")))
	require.Len(t, events, 2, "cancelled subscription must stop receiving")
}

func TestMemory_RemoveAbsentKeyEmitsNothing(t *testing.T) {
	s := NewMemory()
	defer s.Close()

	calls := 0
	s.Subscribe("", func(Event) { calls++ })
	require.NoError(t, s.Remove("nope"))
	require.Zero(t, calls)
}
