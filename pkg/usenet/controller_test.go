package usenet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nzbgate/nzbgate/pkg/fileserver"
	"github.com/nzbgate/nzbgate/pkg/sabnzbd"
	"github.com/nzbgate/nzbgate/pkg/search"
	"github.com/nzbgate/nzbgate/pkg/storage"
)

// fakeSab emulates the downloader's JSON API with mutable in-memory state.
type fakeSab struct {
	lock    sync.Mutex
	queue   []map[string]string
	history []map[string]any
	files   []map[string]any
	freeGB  string
	actions []string
	nextNzo string
}

func newFakeSab() *fakeSab {
	return &fakeSab{freeGB: "50", nextNzo: "nzo_new"}
}

func (f *fakeSab) addQueueSlot(nzoID, name, status, percentage string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.queue = append(f.queue, map[string]string{
		"nzo_id": nzoID, "filename": name, "status": status, "percentage": percentage, "mb": "1024", "mbleft": "512",
	})
}

func (f *fakeSab) setPercentage(nzoID, percentage string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, slot := range f.queue {
		if slot["nzo_id"] == nzoID {
			slot["percentage"] = percentage
		}
	}
}

func (f *fakeSab) setStatus(nzoID, status string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, slot := range f.queue {
		if slot["nzo_id"] == nzoID {
			slot["status"] = status
		}
	}
}

func (f *fakeSab) recorded() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeSab) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.lock.Lock()
		defer f.lock.Unlock()
		q := r.URL.Query()
		mode, name := q.Get("mode"), q.Get("name")
		switch {
		case mode == "addurl":
			f.actions = append(f.actions, "addurl:"+q.Get("nzbname"))
			f.queue = append(f.queue, map[string]string{
				"nzo_id": f.nextNzo, "filename": q.Get("nzbname"), "status": "Downloading", "percentage": "0", "mb": "1024", "mbleft": "1024",
			})
			fmt.Fprintf(w, `{"status":true,"nzo_ids":["%s"]}`, f.nextNzo)
		case mode == "queue" && name == "":
			slots := make([]any, 0, len(f.queue))
			for _, slot := range f.queue {
				slots = append(slots, slot)
			}
			json.NewEncoder(w).Encode(map[string]any{"queue": map[string]any{
				"diskspace1": f.freeGB, "diskspacetotal1": "100", "slots": slots,
			}})
		case mode == "queue":
			f.actions = append(f.actions, name+":"+q.Get("value"))
			if name == "delete" {
				kept := f.queue[:0]
				for _, slot := range f.queue {
					if slot["nzo_id"] != q.Get("value") {
						kept = append(kept, slot)
					}
				}
				f.queue = kept
			}
			fmt.Fprint(w, `{"status":true}`)
		case mode == "history" && name == "":
			json.NewEncoder(w).Encode(map[string]any{"history": map[string]any{"slots": f.history}})
		case mode == "history":
			f.actions = append(f.actions, "historydelete:"+q.Get("value"))
			fmt.Fprint(w, `{"status":true}`)
		case mode == "get_files":
			json.NewEncoder(w).Encode(map[string]any{"files": f.files})
		case mode == "get_config":
			json.NewEncoder(w).Encode(map[string]any{"config": map[string]any{"misc": map[string]any{
				"download_dir": "/incomplete", "complete_dir": "/complete",
			}}})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}
}

type testEnv struct {
	sab        *fakeSab
	fs         afero.Fs
	registry   *Registry
	controller *Controller
	close      func()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := newFakeSab()
	sabSrv := httptest.NewServer(fake.handler())
	fsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"files":[]}`)
	}))

	sabOpts := sabnzbd.DefaultClientOpts
	sabOpts.BaseURL = sabSrv.URL
	sabOpts.RetryDelay = time.Millisecond
	sabClient := sabnzbd.NewClient(sabOpts, zap.NewNop())
	filesClient := fileserver.NewClient(fileserver.NewClientOpts(fsSrv.URL, "", 0), zap.NewNop())

	memFs := afero.NewMemMapFs()
	registry := NewRegistry()
	storageManager := storage.NewManager(storage.DefaultOptions, sabClient, filesClient, registry, zap.NewNop())

	opts := DefaultControllerOpts
	opts.StartGateTimeout = 300 * time.Millisecond
	opts.StartGatePoll = 20 * time.Millisecond
	opts.DiscoveryInterval = 10 * time.Millisecond
	opts.DiscoveryBudget = 300 * time.Millisecond
	controller := NewController(opts, sabClient, nil, memFs, registry, storageManager, zap.NewNop())

	return &testEnv{
		sab:        fake,
		fs:         memFs,
		registry:   registry,
		controller: controller,
		close: func() {
			sabSrv.Close()
			fsSrv.Close()
		},
	}
}

func writeVideo(t *testing.T, fs afero.Fs, path string, size int) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, make([]byte, size), 0o644))
}

func TestRegistryBasics(t *testing.T) {
	registry := NewRegistry()
	stream := registry.Put(&ActiveStream{Title: "Rel.A", NzoID: "nzo1", VideoPath: "/complete/Rel.A/movie.mkv"})
	require.NotEmpty(t, stream.ID)
	require.False(t, stream.CreatedAt.IsZero())

	got, found := registry.Get(stream.ID)
	require.True(t, found)
	require.Same(t, stream, got)

	got, found = registry.GetByTitle("Rel.A")
	require.True(t, found)
	require.Same(t, stream, got)

	got, found = registry.GetByNzoID("nzo1")
	require.True(t, found)
	require.Same(t, stream, got)

	_, _, found = registry.Lookup("Rel.A/movie.mkv")
	require.True(t, found)
	_, _, found = registry.Lookup("Other/movie.mkv")
	require.False(t, found)

	registry.Delete(stream.ID)
	require.Zero(t, registry.Len())
}

func TestActiveStreamTouchMonotonic(t *testing.T) {
	stream := &ActiveStream{}
	stream.Touch()
	first := stream.LastAccess()
	time.Sleep(time.Millisecond)
	stream.Touch()
	require.True(t, stream.LastAccess().After(first))
}

func TestActiveStreamPlaybackPercent(t *testing.T) {
	stream := &ActiveStream{FileSize: 1000}
	stream.SetPlaybackByte(450)
	require.InDelta(t, 45, stream.PlaybackPercent(), 0.01)
	require.Zero(t, (&ActiveStream{}).PlaybackPercent())
}

func TestOpenStreamHappyPath(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.sab.nextNzo = "nzo_a"
	writeVideo(t, env.fs, "/incomplete/My.Release.2160p/My.Release.2160p.mkv", 4096)

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.sab.setPercentage("nzo_a", "10")
	}()

	stream, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "My.Release.2160p", MediaType: search.MediaTypeMovie, CatalogID: "tt1",
	})
	require.NoError(t, err)
	require.Equal(t, "nzo_a", stream.NzoID)
	require.Equal(t, "/incomplete/My.Release.2160p/My.Release.2160p.mkv", stream.VideoPath)
	require.Contains(t, env.sab.recorded(), "addurl:My.Release.2160p")
	require.Equal(t, 1, env.registry.Len())

	// A second open with the same title attaches instead of resubmitting
	again, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "My.Release.2160p", MediaType: search.MediaTypeMovie, CatalogID: "tt1",
	})
	require.NoError(t, err)
	require.Same(t, stream, again)
	require.Equal(t, 1, env.registry.Len())
}

func TestOpenStreamAdoptsQueueEntry(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.sab.addQueueSlot("nzo_q", "My.Release", "Downloading", "42")
	writeVideo(t, env.fs, "/incomplete/My.Release/My.Release.mkv", 4096)

	stream, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "My.Release", MediaType: search.MediaTypeMovie,
	})
	require.NoError(t, err)
	require.Equal(t, "nzo_q", stream.NzoID)
	for _, action := range env.sab.recorded() {
		require.NotContains(t, action, "addurl")
	}
}

func TestOpenStreamAdoptsStorageFile(t *testing.T) {
	// The downloader has neither a queue nor a history entry, but a finished
	// copy still sits on the file server: adopt it instead of re-downloading.
	env := newTestEnv(t)
	defer env.close()
	fsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"files":[
			{"path":"complete/My.Release/My.Release.mkv","name":"My.Release.mkv","size":4096,"isComplete":true},
			{"path":"incomplete/My.Release/My.Release.part.mkv","name":"My.Release.part.mkv","size":99999,"isComplete":false}
		]}`)
	}))
	defer fsSrv.Close()
	env.controller.files = fileserver.NewClient(fileserver.NewClientOpts(fsSrv.URL, "", 0), zap.NewNop())

	stream, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "My.Release", MediaType: search.MediaTypeMovie,
	})
	require.NoError(t, err)
	require.True(t, stream.IsPersonal)
	// Half-written files never qualify, whatever their size
	require.Equal(t, "complete/My.Release/My.Release.mkv", stream.VideoPath)
	require.Equal(t, int64(4096), stream.FileSize)
	require.NotEmpty(t, stream.VideoURL)
	for _, action := range env.sab.recorded() {
		require.NotContains(t, action, "addurl")
	}
}

func TestOpenStreamAdoptsCompleteDirFile(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	writeVideo(t, env.fs, "/complete/Old.Release/Old.Release.mkv", 2048)

	stream, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "Old.Release", MediaType: search.MediaTypeMovie,
	})
	require.NoError(t, err)
	require.True(t, stream.IsPersonal)
	require.Equal(t, "/complete/Old.Release/Old.Release.mkv", stream.VideoPath)
	for _, action := range env.sab.recorded() {
		require.NotContains(t, action, "addurl")
	}
}

func TestOpenStreamStartGateTimeout(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.sab.nextNzo = "nzo_slow"

	_, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "Slow.Release", MediaType: search.MediaTypeMovie,
	})
	require.ErrorIs(t, err, ErrStartTimeout)
	require.Contains(t, env.sab.recorded(), "delete:nzo_slow")
	require.Zero(t, env.registry.Len())
}

func TestOpenStreamDownloadFailed(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.sab.nextNzo = "nzo_f"

	go func() {
		time.Sleep(30 * time.Millisecond)
		env.sab.setStatus("nzo_f", "Failed")
	}()

	_, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "Bad.Release", MediaType: search.MediaTypeMovie,
	})
	require.ErrorIs(t, err, ErrDownloadFailed)
}

func TestOpenStreamRejects7z(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.sab.nextNzo = "nzo_7z"
	env.sab.files = []map[string]any{{"filename": "release.7z.001", "bytes": 1000}}
	env.sab.addQueueSlot("nzo_7z", "Zipped.Release", "Downloading", "10")

	_, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "Zipped.Release", MediaType: search.MediaTypeMovie,
	})
	require.ErrorIs(t, err, ErrUnsupportedArchive)
	require.Contains(t, env.sab.recorded(), "delete:nzo_7z")
}

func TestOpenStreamInsufficientStorage(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.sab.freeGB = "1"

	_, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "Huge.Release", MediaType: search.MediaTypeMovie,
	})
	require.ErrorIs(t, err, ErrInsufficientStorage)
}

func TestOpenStreamEvictsPeers(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.sab.nextNzo = "nzo_new"
	env.sab.addQueueSlot("nzo_peer", "Other.Release", "Downloading", "30")
	writeVideo(t, env.fs, "/incomplete/My.Release/My.Release.mkv", 4096)

	go func() {
		time.Sleep(30 * time.Millisecond)
		env.sab.setPercentage("nzo_new", "10")
	}()

	_, err := env.controller.OpenStream(context.Background(), OpenRequest{
		NzbURL: "https://indexer/x.nzb", Title: "My.Release", MediaType: search.MediaTypeMovie,
	})
	require.NoError(t, err)
	require.Contains(t, env.sab.recorded(), "delete:nzo_peer")
}

func TestMatchesRelease(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	movie := OpenRequest{Title: "My.Release", MediaType: search.MediaTypeMovie}

	require.True(t, env.controller.matchesRelease("/incomplete/My.Release/My.Release.mkv", "My.Release.mkv", movie))
	require.False(t, env.controller.matchesRelease("/incomplete/My.Release/sample.mkv", "sample.mkv", movie))
	require.False(t, env.controller.matchesRelease("/incomplete/My.Release/My.Release-Trailer.mkv", "My.Release-Trailer.mkv", movie))
	require.False(t, env.controller.matchesRelease("/incomplete/My.Release/notes.txt", "notes.txt", movie))
	require.False(t, env.controller.matchesRelease("/incomplete/Other/Other.mkv", "Other.mkv", movie))

	series := OpenRequest{Title: "Show", MediaType: search.MediaTypeSeries, Season: 1, Episode: 3}
	require.True(t, env.controller.matchesRelease("/incomplete/Show/Show.S01E03.mkv", "Show.S01E03.mkv", series))
	require.False(t, env.controller.matchesRelease("/incomplete/Show/Show.S01E04.mkv", "Show.S01E04.mkv", series))
}

func TestPrioritize(t *testing.T) {
	env := newTestEnv(t)
	defer env.close()
	env.sab.addQueueSlot("nzo_a", "A", "Paused", "10")
	env.sab.addQueueSlot("nzo_b", "B", "Downloading", "20")
	env.sab.addQueueSlot("nzo_c", "C", "Downloading", "30")

	paused, err := env.controller.Prioritize(context.Background(), "nzo_a")
	require.NoError(t, err)
	require.Equal(t, 2, paused)
	actions := env.sab.recorded()
	require.Contains(t, actions, "resume:nzo_a")
	require.Contains(t, actions, "priority:nzo_a")
	require.Contains(t, actions, "pause:nzo_b")
	require.Contains(t, actions, "pause:nzo_c")
}
