package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/fileserver"
	"github.com/nzbgate/nzbgate/pkg/sabnzbd"
)

type stubIndex struct {
	entries map[string]struct {
		lastAccess     time.Time
		watchedPercent float64
	}
}

func (s *stubIndex) add(path string, lastAccess time.Time, watchedPercent float64) {
	if s.entries == nil {
		s.entries = map[string]struct {
			lastAccess     time.Time
			watchedPercent float64
		}{}
	}
	s.entries[path] = struct {
		lastAccess     time.Time
		watchedPercent float64
	}{lastAccess, watchedPercent}
}

func (s *stubIndex) Lookup(path string) (time.Time, float64, bool) {
	entry, found := s.entries[path]
	return entry.lastAccess, entry.watchedPercent, found
}

type fakeFileServer struct {
	lock    sync.Mutex
	files   []fileserver.FileInfo
	deleted []string
}

func (f *fakeFileServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.lock.Lock()
		defer f.lock.Unlock()
		if r.Method == http.MethodDelete {
			f.deleted = append(f.deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		type jsonFile struct {
			Path       string `json:"path"`
			Name       string `json:"name"`
			Size       int64  `json:"size"`
			Modified   string `json:"modified"`
			IsComplete bool   `json:"isComplete"`
		}
		var out []jsonFile
		for _, file := range f.files {
			out = append(out, jsonFile{file.Path, file.Name, file.Size, file.Modified.Format(time.RFC3339), file.IsComplete})
		}
		json.NewEncoder(w).Encode(map[string]any{"files": out})
	}
}

func newTestManager(t *testing.T, fs *fakeFileServer, index StreamIndex, freeGB float64) (*Manager, func()) {
	t.Helper()
	fsSrv := httptest.NewServer(fs.handler())
	sabSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"queue":{"diskspace1":"%v","diskspacetotal1":"100","slots":[]}}`, freeGB)
	}))

	sabOpts := sabnzbd.DefaultClientOpts
	sabOpts.BaseURL = sabSrv.URL
	sab := sabnzbd.NewClient(sabOpts, zap.NewNop())
	filesClient := fileserver.NewClient(fileserver.NewClientOpts(fsSrv.URL, "", 0), zap.NewNop())

	opts := DefaultOptions
	opts.DeletePace = time.Millisecond
	m := NewManager(opts, sab, filesClient, index, zap.NewNop())
	return m, func() {
		fsSrv.Close()
		sabSrv.Close()
	}
}

func fileAgedDays(path string, size int64, ageDays int, complete bool) fileserver.FileInfo {
	return fileserver.FileInfo{
		Path:       path,
		Name:       path,
		Size:       size,
		Modified:   time.Now().Add(-time.Duration(ageDays) * 24 * time.Hour),
		IsComplete: complete,
	}
}

func TestPriorityScoring(t *testing.T) {
	index := &stubIndex{}
	index.add("watched.mkv", time.Now().Add(-5*time.Hour), 95)
	index.add("active.mkv", time.Now().Add(-time.Minute), 50)
	m, closeSrvs := newTestManager(t, &fakeFileServer{}, index, 50)
	defer closeSrvs()
	now := time.Now()

	// Watched file: 1000 base plus one per hour since last watch
	watched := m.Priority(fileAgedDays("watched.mkv", 1, 10, true), now)
	require.InDelta(t, 1005, watched, 0.1)

	// Recently accessed stream is never a candidate
	require.Equal(t, 0.0, m.Priority(fileAgedDays("active.mkv", 1, 10, true), now))

	// Completed unwatched older than 7 days
	require.InDelta(t, 100+10*10, m.Priority(fileAgedDays("old.mkv", 1, 10, true), now), 1)
	// Completed but younger than 7 days
	require.Equal(t, 0.0, m.Priority(fileAgedDays("new.mkv", 1, 2, true), now))

	// Incomplete older than 3 days
	require.InDelta(t, 50+5*4, m.Priority(fileAgedDays("stale.partial", 1, 4, false), now), 1)
	require.Equal(t, 0.0, m.Priority(fileAgedDays("fresh.partial", 1, 1, false), now))
}

func TestCleanupOrderAndTarget(t *testing.T) {
	index := &stubIndex{}
	index.add("watched.mkv", time.Now().Add(-20*time.Hour), 95)
	fs := &fakeFileServer{files: []fileserver.FileInfo{
		fileAgedDays("old.mkv", 6*1<<30, 10, true),
		fileAgedDays("watched.mkv", 6*1<<30, 10, true),
		fileAgedDays("older.mkv", 6*1<<30, 20, true),
		fileAgedDays("new.mkv", 6*1<<30, 1, true),
	}}
	m, closeSrvs := newTestManager(t, fs, index, 50)
	defer closeSrvs()

	freed, err := m.Cleanup(context.Background(), false)
	require.NoError(t, err)
	// Watched first, then the oldest completed file reaches the 10 GiB target
	require.Equal(t, int64(12*1<<30), freed)
	require.Equal(t, []string{"/watched.mkv", "/older.mkv"}, fs.deleted)
}

func TestCleanupNormalSkipsIncomplete(t *testing.T) {
	fs := &fakeFileServer{files: []fileserver.FileInfo{
		fileAgedDays("stale.partial", 1 << 30, 10, false),
	}}
	m, closeSrvs := newTestManager(t, fs, &stubIndex{}, 50)
	defer closeSrvs()

	freed, err := m.Cleanup(context.Background(), false)
	require.NoError(t, err)
	require.Zero(t, freed)
	require.Empty(t, fs.deleted)

	freed, err = m.Cleanup(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, int64(1<<30), freed)
}

func TestCheckAndCleanModes(t *testing.T) {
	fs := &fakeFileServer{files: []fileserver.FileInfo{
		fileAgedDays("old.mkv", 30*1<<30, 10, true),
		fileAgedDays("stale.partial", 30 * 1 << 30, 10, false),
	}}

	// Plenty of space: nothing happens
	m, closeSrvs := newTestManager(t, fs, &stubIndex{}, 50)
	freed, err := m.CheckAndClean(context.Background())
	closeSrvs()
	require.NoError(t, err)
	require.Zero(t, freed)

	// Low space: normal cleanup, completed only
	m, closeSrvs = newTestManager(t, fs, &stubIndex{}, 15)
	freed, err = m.CheckAndClean(context.Background())
	closeSrvs()
	require.NoError(t, err)
	require.Equal(t, int64(30*1<<30), freed)
	require.Equal(t, []string{"/old.mkv"}, fs.deleted)

	// Critical space: incomplete files are candidates too, but the target
	// is reached after the first delete
	fs.deleted = nil
	m, closeSrvs = newTestManager(t, fs, &stubIndex{}, 3)
	freed, err = m.CheckAndClean(context.Background())
	closeSrvs()
	require.NoError(t, err)
	require.Equal(t, int64(30*1<<30), freed)
	require.Equal(t, []string{"/old.mkv"}, fs.deleted)
}

func TestPreDownloadGate(t *testing.T) {
	fs := &fakeFileServer{files: []fileserver.FileInfo{
		fileAgedDays("old.mkv", 2 * 1 << 30, 10, true),
	}}
	m, closeSrvs := newTestManager(t, fs, &stubIndex{}, 1)
	defer closeSrvs()

	ok, err := m.PreDownloadGate(context.Background(), 50)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.PreDownloadGate(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"/old.mkv"}, fs.deleted)
}

func TestPreDownloadGateNothingToFree(t *testing.T) {
	m, closeSrvs := newTestManager(t, &fakeFileServer{}, &stubIndex{}, 1)
	defer closeSrvs()

	ok, err := m.PreDownloadGate(context.Background(), 0.5)
	require.NoError(t, err)
	require.False(t, ok)
}
