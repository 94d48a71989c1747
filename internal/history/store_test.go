package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roostd/internal/channel"
	"github.com/roostlabs/roostd/internal/common/logger"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	dest := channel.Destination{ChannelID: "tg1", Ref: "u1"}

	require.NoError(t, s.RecordInbound(ctx, dest, "alice", "hello"))
	require.NoError(t, s.RecordResponse(ctx, dest, "a1", "hi alice"))

	entries, err := s.List(ctx, ListOptions{ChannelID: "tg1", Ref: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	require.Equal(t, DirectionResponse, entries[0].Direction)
	require.Equal(t, "a1", entries[0].AgentID)
	require.Equal(t, DirectionInbound, entries[1].Direction)
	require.Equal(t, "alice", entries[1].Author)
}

func TestListFiltersByDestination(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordInbound(ctx, channel.Destination{ChannelID: "tg1", Ref: "u1"}, "", "one"))
	require.NoError(t, s.RecordInbound(ctx, channel.Destination{ChannelID: "tg1", Ref: "u2"}, "", "two"))
	require.NoError(t, s.RecordInbound(ctx, channel.Destination{ChannelID: "ws1", Ref: "u1"}, "", "three"))

	entries, err := s.List(ctx, ListOptions{ChannelID: "tg1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries, err = s.List(ctx, ListOptions{ChannelID: "tg1", Ref: "u2"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "two", entries[0].Body)
}

func TestListHonorsLimitAndOffset(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	dest := channel.Destination{ChannelID: "tg1", Ref: "u1"}

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, s.RecordInbound(ctx, dest, "", body))
	}

	entries, err := s.List(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	entries, err = s.List(ctx, ListOptions{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].Body)
}
