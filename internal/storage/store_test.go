package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "delayq/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestStoresRecordLastSuccessfulRun(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "delayq.db")
			ctx := context.Background()

			st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)

			_, ok, err := st.LastRun(ctx, "hello")
			require.NoError(t, err)
			assert.False(t, ok)

			first := time.Now().Add(-time.Minute).Truncate(time.Millisecond)
			require.NoError(t, st.AppendRun(ctx, RunRecord{At: first, Job: "hello", Schedule: "after:1s", OK: true}))
			require.NoError(t, st.AppendRun(ctx, RunRecord{At: first.Add(time.Second), Job: "hello", OK: false, Error: "exit 1"}))
			require.NoError(t, st.Close())

			// Reopen: the index must survive a restart.
			st, err = Open(Config{Driver: driver, Path: path}, logx.Nop())
			require.NoError(t, err)
			defer st.Close()

			at, ok, err := st.LastRun(ctx, "hello")
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, at.Equal(first), "got %v want %v", at, first)
		})
	}
}
