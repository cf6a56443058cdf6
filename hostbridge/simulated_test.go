package hostbridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostMessageDeliversToAttachedQueue(t *testing.T) {
	s := NewSimulated()
	s.Attach(1, 4)

	id, ok := s.PostMessage(1, []byte("hello"))
	require.True(t, ok)
	require.NotZero(t, id)

	msg, ok := s.Receive(1)
	require.True(t, ok)
	require.Equal(t, id, msg.ID)
	require.Equal(t, []byte("hello"), msg.Payload)
}

func TestPostMessageRejectsUnattachedPid(t *testing.T) {
	s := NewSimulated()
	_, ok := s.PostMessage(99, []byte("x"))
	require.False(t, ok)
}

func TestPostMessageRejectsOversizedPayload(t *testing.T) {
	s := NewSimulated()
	s.Attach(1, 4)

	oversized := strings.Repeat("x", (MaxMessageBlocks+1)*MessageBlockSize)
	_, ok := s.PostMessage(1, []byte(oversized))
	require.False(t, ok)
}

func TestPostMessageRejectsFullQueue(t *testing.T) {
	s := NewSimulated()
	s.Attach(1, 1)

	_, ok := s.PostMessage(1, []byte("a"))
	require.True(t, ok)
	_, ok = s.PostMessage(1, []byte("b"))
	require.False(t, ok, "queue capacity 1 is already full")
}

func TestReceiveNonBlockingOnEmptyQueue(t *testing.T) {
	s := NewSimulated()
	s.Attach(1, 4)

	_, ok := s.Receive(1)
	require.False(t, ok)
}

func TestSetAndReadMetadata(t *testing.T) {
	s := NewSimulated()
	meta := InterruptMetadata{InterruptNumber: 7, SourceID: 2, Tick: 55, HandlerTag: 9}
	s.SetMetadata(meta)

	require.Equal(t, meta, s.ReadInterruptMetadata())
}

func TestDebugLogRecordsSnapshots(t *testing.T) {
	s := NewSimulated()
	snap := Snapshot{HandlerID: 3, InterruptNumber: 4, IP: 8}
	s.DebugLog(snap, 0x42)

	got := s.Snapshots()
	require.Len(t, got, 1)
	require.Equal(t, snap, got[0])
}
