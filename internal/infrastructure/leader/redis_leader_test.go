package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func TestRedisLeaderElection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	election := NewRedisLeaderElection(client, 10*time.Second)

	ok, err := election.BecomeLeader(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = election.BecomeLeader(ctx, "b")
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(5 * time.Second)
	ok, err = election.BecomeLeader(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok, "holder renews its lease")
	require.Equal(t, 10*time.Second, mr.TTL(DefaultKey))

	leading, err := election.IsLeader(ctx, "b")
	require.NoError(t, err)
	require.False(t, leading)

	// Only the holder can release.
	require.NoError(t, election.ReleaseLeadership(ctx, "b"))
	leading, err = election.IsLeader(ctx, "a")
	require.NoError(t, err)
	require.True(t, leading)

	require.NoError(t, election.ReleaseLeadership(ctx, "a"))
	leading, err = election.IsLeader(ctx, "a")
	require.NoError(t, err)
	require.False(t, leading)

	ok, err = election.BecomeLeader(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLeaderElection_LeaseExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	election := NewRedisLeaderElection(client, time.Second)
	ok, err := election.BecomeLeader(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	ok, err = election.BecomeLeader(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
}
