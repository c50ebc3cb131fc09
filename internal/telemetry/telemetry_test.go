package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordAndSnapshot(t *testing.T) {
	s := NewStore()
	s.Record(Record{Path: "/v1/chat/completions", StatusCode: 200})
	s.Record(Record{Path: "/v1/messages", StatusCode: 429, Retries: 1})

	snap := s.Snapshot()
	require.Equal(t, int64(2), snap.TotalRequests)
	require.Equal(t, int64(1), snap.TotalRetries)
	require.Len(t, snap.Recent, 2)
	require.Equal(t, "/v1/chat/completions", snap.Recent[0].Path)
	require.Equal(t, int64(1), snap.StatusCounts[200])
}

func TestRingBufferEvictsOldest(t *testing.T) {
	s := NewStore()
	for i := 0; i < ringBufferSize+10; i++ {
		s.Record(Record{Path: "p"})
	}
	snap := s.Snapshot()
	require.Len(t, snap.Recent, ringBufferSize)
	require.Equal(t, int64(ringBufferSize+10), snap.TotalRequests)
}

func TestFileTraceMirrorsRecordsAsJSONLines(t *testing.T) {
	dir := t.TempDir()
	s := NewStore()
	require.NoError(t, s.EnableFileTrace(dir))

	s.Record(Record{Path: "/v1/messages", RequestedModel: "claude-sonnet-4-5", StatusCode: 200, Retries: 1})

	s.mu.Lock()
	s.trace.mu.Lock()
	s.trace.flushLocked()
	path := s.trace.file.Name()
	s.trace.mu.Unlock()
	s.mu.Unlock()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var rec Record
	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	require.Equal(t, "/v1/messages", rec.Path)
	require.Equal(t, "claude-sonnet-4-5", rec.RequestedModel)
	require.Equal(t, 1, rec.Retries)

	s.CloseFileTrace()
}

func TestFileTraceCleanOldFilesRemovesStaleEntries(t *testing.T) {
	dir := t.TempDir()
	ft, err := newFileTrace(dir)
	require.NoError(t, err)
	defer ft.close()

	path := filepath.Join(dir, "requests-stale.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	old := time.Now().Add(-traceMaxFileAge - time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	ft.cleanOldFiles()

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
