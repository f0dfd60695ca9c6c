package validate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/redirect-target":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	v := NewValidator(DefaultOptions, zap.NewNop())
	require.NoError(t, v.Validate(context.Background(), srv.URL+"/ok"))
	require.Error(t, v.Validate(context.Background(), srv.URL+"/missing"))
}

func TestValidateSeekable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		switch r.URL.Path {
		case "/partial":
			w.WriteHeader(http.StatusPartialContent)
		case "/accept-ranges":
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
		case "/filename":
			w.Header().Set("Content-Disposition", `attachment; filename="Movie.2023.1080p.mkv"`)
			w.WriteHeader(http.StatusPartialContent)
		case "/filename-utf8":
			w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''Movie%202023.mkv`)
			w.WriteHeader(http.StatusPartialContent)
		case "/hash-filename":
			w.Header().Set("Content-Disposition", `attachment; filename="`+strings.Repeat("a", 64)+`"`)
			w.WriteHeader(http.StatusPartialContent)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	v := NewValidator(DefaultOptions, zap.NewNop())

	result, err := v.ValidateSeekable(context.Background(), srv.URL+"/partial")
	require.NoError(t, err)
	require.True(t, result.Seekable)

	result, err = v.ValidateSeekable(context.Background(), srv.URL+"/accept-ranges")
	require.NoError(t, err)
	require.True(t, result.Seekable)

	result, err = v.ValidateSeekable(context.Background(), srv.URL+"/plain")
	require.NoError(t, err)
	require.False(t, result.Seekable)

	result, err = v.ValidateSeekable(context.Background(), srv.URL+"/filename")
	require.NoError(t, err)
	require.Equal(t, "Movie.2023.1080p.mkv", result.Filename)

	result, err = v.ValidateSeekable(context.Background(), srv.URL+"/filename-utf8")
	require.NoError(t, err)
	require.Equal(t, "Movie 2023.mkv", result.Filename)

	result, err = v.ValidateSeekable(context.Background(), srv.URL+"/hash-filename")
	require.NoError(t, err)
	require.Empty(t, result.Filename, "opaque hash names must be rejected")
}

func TestTrustedHostBypass(t *testing.T) {
	v := NewValidator(NewOptions(time.Second, false, []string{"pixeldrain.com", "workers.dev"}, 5), zap.NewNop())

	require.True(t, v.Trusted("https://pixeldrain.com/api/file/abc"))
	require.True(t, v.Trusted("https://foo.workers.dev/file.mkv"))
	require.False(t, v.Trusted("https://example.com/file.mkv"))

	// No server behind this URL - it only passes because the host is trusted
	result, err := v.ValidateSeekable(context.Background(), "https://pixeldrain.com/api/file/abc")
	require.NoError(t, err)
	require.True(t, result.Seekable)
}

func TestDisabledValidation(t *testing.T) {
	v := NewValidator(NewOptions(time.Second, true, nil, 5), zap.NewNop())
	require.NoError(t, v.Validate(context.Background(), "https://unreachable.invalid/file"))
	result, err := v.ValidateSeekable(context.Background(), "https://unreachable.invalid/file")
	require.NoError(t, err)
	require.True(t, result.Seekable)
}

func TestValidateBatchBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if current <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, current) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer srv.Close()

	v := NewValidator(NewOptions(time.Second, false, nil, 5), zap.NewNop())
	urls := make([]string, 20)
	for i := range urls {
		urls[i] = srv.URL + "/file" + string(rune('a'+i))
	}
	results := v.ValidateBatch(context.Background(), urls)
	require.Len(t, results, 20)
	require.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(5))
}

func TestFilenameFromContentDisposition(t *testing.T) {
	require.Equal(t, "a b.mkv", filenameFromContentDisposition("attachment; filename*=UTF-8''a%20b.mkv"))
	require.Equal(t, "a.mkv", filenameFromContentDisposition(`attachment; filename="a.mkv"`))
	require.Equal(t, "a.mkv", filenameFromContentDisposition(`attachment; filename=a.mkv`))
	require.Empty(t, filenameFromContentDisposition(""))
	require.Empty(t, filenameFromContentDisposition("attachment"))
}
