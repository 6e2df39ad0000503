package groutine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGoNamesTheGoroutine(t *testing.T) {
	names := make(chan string, 1)
	gids := make(chan uint64, 1)

	Go(nil, "worker-1", func(ctx context.Context) { //nolint:staticcheck // nil parent is supported
		names <- GetName(ctx)
		gids <- GetGID()
	})

	require.Equal(t, "worker-1", <-names, "goroutine name MUST be readable from its context")
	gid := <-gids
	require.NotZero(t, gid)
	require.NotEqual(t, GetGID(), gid, "worker MUST run on its own goroutine")
}

func TestGetNameWithoutName(t *testing.T) {
	require.Empty(t, GetName(context.Background()))
	require.Empty(t, GetName(nil)) //nolint:staticcheck // nil context is supported
}
