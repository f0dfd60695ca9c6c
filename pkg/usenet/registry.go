package usenet

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ActiveStream is one live playback session tied to a download handle.
// The registry owns the struct; concurrent field access goes through the
// atomic accessors.
type ActiveStream struct {
	ID        string
	NzoID     string
	Title     string
	MediaType string
	CatalogID string
	// VideoURL is the playable URL (file-server URL, or a local path when
	// serving directly)
	VideoURL string
	// VideoPath is the file's path relative to the serving root
	VideoPath string
	// FileSize is the estimated total size of the final video file
	FileSize int64
	// IsPersonal marks an already-completed retained file with no download
	// lifecycle behind it
	IsPersonal         bool
	DeleteOnStreamStop bool
	CreatedAt          time.Time

	lastAccessNanos  int64
	lastPlaybackByte int64
}

// Touch updates the last-access timestamp. Updates are monotonic: a stale
// writer never moves the timestamp backwards.
func (s *ActiveStream) Touch() {
	now := time.Now().UnixNano()
	for {
		old := atomic.LoadInt64(&s.lastAccessNanos)
		if old >= now {
			return
		}
		if atomic.CompareAndSwapInt64(&s.lastAccessNanos, old, now) {
			return
		}
	}
}

func (s *ActiveStream) LastAccess() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastAccessNanos))
}

func (s *ActiveStream) SetPlaybackByte(offset int64) {
	atomic.StoreInt64(&s.lastPlaybackByte, offset)
}

func (s *ActiveStream) PlaybackByte() int64 {
	return atomic.LoadInt64(&s.lastPlaybackByte)
}

// PlaybackPercent is how far into the file the client has read, 0..100.
func (s *ActiveStream) PlaybackPercent() float64 {
	if s.FileSize <= 0 {
		return 0
	}
	return float64(s.PlaybackByte()) / float64(s.FileSize) * 100
}

// Registry is the process-global table of active streams. All mutation goes
// through its methods.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*ActiveStream
}

func NewRegistry() *Registry {
	return &Registry{
		streams: map[string]*ActiveStream{},
	}
}

// Put registers a stream, assigning an ID when it has none, and stamps the
// first access. Returns the stored stream.
func (r *Registry) Put(stream *ActiveStream) *ActiveStream {
	if stream.ID == "" {
		stream.ID = uuid.NewString()
	}
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = time.Now()
	}
	stream.Touch()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[stream.ID] = stream
	return stream
}

func (r *Registry) Get(id string) (*ActiveStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stream, found := r.streams[id]
	return stream, found
}

func (r *Registry) GetByNzoID(nzoID string) (*ActiveStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, stream := range r.streams {
		if stream.NzoID == nzoID {
			return stream, true
		}
	}
	return nil, false
}

func (r *Registry) GetByTitle(title string) (*ActiveStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, stream := range r.streams {
		if stream.Title == title {
			return stream, true
		}
	}
	return nil, false
}

func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, id)
}

// All returns a snapshot of the registered streams.
func (r *Registry) All() []*ActiveStream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	streams := make([]*ActiveStream, 0, len(r.streams))
	for _, stream := range r.streams {
		streams = append(streams, stream)
	}
	return streams
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Lookup reports playback state for the file at the given path. It satisfies
// the storage manager's stream index so eviction can spare files that are
// still being watched.
func (r *Registry) Lookup(path string) (lastAccess time.Time, watchedPercent float64, found bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, stream := range r.streams {
		if stream.VideoPath != "" && pathMatches(stream.VideoPath, path) {
			return stream.LastAccess(), stream.PlaybackPercent(), true
		}
	}
	return time.Time{}, 0, false
}

func pathMatches(a, b string) bool {
	return a == b || hasSuffixPath(a, b) || hasSuffixPath(b, a)
}

func hasSuffixPath(long, short string) bool {
	if len(long) <= len(short) {
		return false
	}
	return long[len(long)-len(short):] == short && long[len(long)-len(short)-1] == '/'
}
