package updatelog

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "updates.db")
	l, err := Open(path, testLogger())
	require.NoError(t, err)
	return l, path
}

func TestLog_AppendAndLoad(t *testing.T) {
	l, _ := openTestLog(t)
	defer func() { require.NoError(t, l.Close()) }()

	require.NoError(t, l.Append("doc-1", []byte("first")))
	require.NoError(t, l.Append("doc-1", []byte("second")))
	require.NoError(t, l.Append("doc-2", []byte("other")))

	updates, err := l.Load("doc-1")
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, []byte("first"), updates[0])
	assert.Equal(t, []byte("second"), updates[1])

	updates, err = l.Load("doc-2")
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, []byte("other"), updates[0])
}

func TestLog_LoadUnknownDocument(t *testing.T) {
	l, _ := openTestLog(t)
	defer func() { require.NoError(t, l.Close()) }()

	updates, err := l.Load("never-seen")
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestLog_EnqueuePreservesOrder(t *testing.T) {
	l, path := openTestLog(t)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, l.Enqueue("doc-1", []byte(fmt.Sprintf("update-%03d", i))))
	}

	// Close drains the queue before closing the database.
	require.NoError(t, l.Close())

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	updates, err := reopened.Load("doc-1")
	require.NoError(t, err)
	require.Len(t, updates, n)
	for i, u := range updates {
		assert.Equal(t, fmt.Sprintf("update-%03d", i), string(u))
	}
}

func TestLog_EnqueueManyDocuments(t *testing.T) {
	l, path := openTestLog(t)

	var wg sync.WaitGroup
	for d := 0; d < 4; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			name := fmt.Sprintf("doc-%d", d)
			for i := 0; i < 25; i++ {
				assert.NoError(t, l.Enqueue(name, []byte(fmt.Sprintf("%03d", i))))
			}
		}(d)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	reopened, err := Open(path, testLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	for d := 0; d < 4; d++ {
		updates, err := reopened.Load(fmt.Sprintf("doc-%d", d))
		require.NoError(t, err)
		require.Len(t, updates, 25)
		for i, u := range updates {
			assert.Equal(t, fmt.Sprintf("%03d", i), string(u))
		}
	}
}

func TestLog_EnqueueAfterClose(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Close())

	err := l.Enqueue("doc-1", []byte("late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLog_CloseIsIdempotent(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
