package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcp-remote-go/mcp-remote/internal/callback"
	"github.com/mcp-remote-go/mcp-remote/internal/store"
)

func TestAcquireWithNoLockfileBecomesLeader(t *testing.T) {
	st := store.NewAt(t.TempDir())
	c := New(st, "fp", "127.0.0.1")

	state, err := c.Acquire(context.Background(), 0, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, state.IsLeader)
	require.False(t, state.SkipBrowserAuth)
	defer state.Server.Close()
	defer c.Release()

	lf, err := st.GetLockfile("fp")
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), lf.PID)
	require.Equal(t, state.Server.Port(), lf.Port)
}

func TestAcquireWithStaleLockfileBecomesLeaderAndOverwrites(t *testing.T) {
	st := store.NewAt(t.TempDir())
	require.NoError(t, st.PutLockfile("fp", &store.Lockfile{
		PID:         99999999, // unlikely to exist
		Port:        1,
		TimestampMs: time.Now().UnixMilli(),
	}))

	c := New(st, "fp", "127.0.0.1")
	state, err := c.Acquire(context.Background(), 0, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, state.IsLeader)
	defer state.Server.Close()
	defer c.Release()

	lf, err := st.GetLockfile("fp")
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), lf.PID)
	require.Equal(t, state.Server.Port(), lf.Port)
}

func TestAcquireWithExpiredTimestampBecomesLeader(t *testing.T) {
	st := store.NewAt(t.TempDir())
	require.NoError(t, st.PutLockfile("fp", &store.Lockfile{
		PID:         os.Getpid(),
		Port:        1,
		TimestampMs: time.Now().Add(-31 * time.Minute).UnixMilli(),
	}))

	c := New(st, "fp", "127.0.0.1")
	state, err := c.Acquire(context.Background(), 0, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, state.IsLeader)
	defer state.Server.Close()
	defer c.Release()
}

func TestAcquireWithLiveProcessButDeadListenerBecomesLeader(t *testing.T) {
	st := store.NewAt(t.TempDir())

	// Claim a port, then close it so the lockfile points at a live pid
	// whose callback server is gone — the health probe is what must
	// catch this.
	probe, err := callback.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	deadPort := probe.Port()
	require.NoError(t, probe.Close())

	require.NoError(t, st.PutLockfile("fp", &store.Lockfile{
		PID:         os.Getpid(),
		Port:        deadPort,
		TimestampMs: time.Now().UnixMilli(),
	}))

	c := New(st, "fp", "127.0.0.1")
	state, err := c.Acquire(context.Background(), 0, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, state.IsLeader)
	defer state.Server.Close()
	defer c.Release()
}

func TestAcquireBecomesSecondaryWhenLeaderHealthy(t *testing.T) {
	st := store.NewAt(t.TempDir())

	leaderCoord := New(st, "fp", "127.0.0.1")
	leaderState, err := leaderCoord.Acquire(context.Background(), 0, 5*time.Second)
	require.NoError(t, err)
	defer leaderState.Server.Close()
	defer leaderCoord.Release()

	// Simulate the leader completing its own authorization shortly after
	// the secondary starts polling: a code arrives and the leader marks
	// completion once tokens would be persisted. Only once that happens
	// does /wait-for-auth report 200 and let the secondary proceed.
	go func() {
		time.Sleep(50 * time.Millisecond)
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s?code=xyz", leaderState.Server.Port(), callback.DefaultPath))
		if err == nil {
			resp.Body.Close()
		}
		leaderState.Server.MarkComplete()
	}()

	secondaryCoord := New(st, "fp", "127.0.0.1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := secondaryCoord.Acquire(ctx, 0, time.Second)
	require.NoError(t, err)
	require.False(t, state.IsLeader)
	require.True(t, state.SkipBrowserAuth)
	defer state.Server.Close()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer waitCancel()
	_, err = state.WaitForAuthCode(waitCtx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseRemovesLockfile(t *testing.T) {
	st := store.NewAt(t.TempDir())
	c := New(st, "fp", "127.0.0.1")

	state, err := c.Acquire(context.Background(), 0, 100*time.Millisecond)
	require.NoError(t, err)
	defer state.Server.Close()

	require.NoError(t, c.Release())
	_, err = st.GetLockfile("fp")
	require.ErrorIs(t, err, store.ErrNotFound)
}
