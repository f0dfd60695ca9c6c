package fourkhdhub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectResolution(t *testing.T) {
	for _, tt := range []struct {
		title string
		want  string
	}{
		{"Movie.2023.2160p.WEB-DL", "2160p"},
		{"Movie.2023.1080P.BluRay", "1080p"},
		{"Movie 4K UHD Remux", "2160p"},
		{"Movie.2023.HEVC.WEB-DL", "2160p"},
		{"Movie.2023.x264.WEB-DL", "1080p"},
		{"Movie.2023.720p.x265", "720p"},
		{"Movie.2023.WEB-DL", ""},
	} {
		require.Equal(t, tt.want, DetectResolution(tt.title), tt.title)
	}
}

func TestDetectQualityDefault(t *testing.T) {
	require.Equal(t, "1080p", DetectQuality("Movie.2023.1080p"))
	require.Equal(t, "2160p", DetectQuality("Movie.2023.WEB-DL"))
}

func TestDetectLanguages(t *testing.T) {
	require.Equal(t, []string{"English", "Hindi"}, DetectLanguages("Movie English Hindi 1080p", ""))
	// A badge takes precedence over title detection
	require.Equal(t, []string{"French"}, DetectLanguages("Movie English 1080p", "French"))
	require.Equal(t, []string{"English", "Tamil"}, DetectLanguages("whatever", "English, Tamil"))
	// Substrings inside words must not count
	require.Empty(t, DetectLanguages("Englishman.In.New.York", ""))
}

func TestPickBestURL(t *testing.T) {
	urls := []string{
		"https://storage.googleusercontent.com/f.mkv",
		"https://my.r2.dev/f.mkv",
		"https://pixeldrain.com/api/file/x",
	}
	require.Equal(t, "https://pixeldrain.com/api/file/x", PickBestURL(urls))
	require.Equal(t, "https://other.example.com/f.mkv", PickBestURL([]string{"https://other.example.com/f.mkv"}))
	require.Equal(t, "", PickBestURL(nil))
}

func TestIsDirectVideoURL(t *testing.T) {
	require.True(t, IsDirectVideoURL("https://h.example.com/movie.MKV"))
	require.True(t, IsDirectVideoURL("https://h.example.com/movie.mp4?token=1"))
	require.False(t, IsDirectVideoURL("https://h.example.com/movie.zip"))
	require.False(t, IsDirectVideoURL("https://h.example.com/page?file=movie.mkv"))
}

func TestParseSize(t *testing.T) {
	require.Equal(t, int64(4509715660), ParseSize("Movie [2160p - 4.2GB]"))
	require.Equal(t, int64(1649267441664), ParseSize("1.5 TB"))
	require.Equal(t, int64(734003200), ParseSize("700 MB"))
	require.Equal(t, int64(0), ParseSize("no size here"))
}
