package fourkhdhub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsExtractorURL(t *testing.T) {
	require.True(t, isExtractorURL("https://hubcloud.ink/drive/abc"))
	require.True(t, isExtractorURL("https://HubDrive.space/file/abc"))
	require.True(t, isExtractorURL("https://pixel.hubcdn.fans/?id=1"))
	require.False(t, isExtractorURL("https://example.com/file/abc"))
}

func TestExtractHostButtons(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/landing":
			fmt.Fprintf(w, `<div class="download-links-div">
				<a class="btn" href="%s/fsl/file.mkv">FSL Server</a>
				<a class="btn" href="https://pixeldrain.com/u/abc123">Pixeldrain</a>
				<a class="btn" href="%s/buzz">Download [BuzzServer]</a>
			</div>`, srv.URL, srv.URL)
		case "/buzz/download":
			require.NotEmpty(t, r.Header.Get("Referer"))
			w.Header().Set("Hx-Redirect", srv.URL+"/direct/file.mkv")
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	urls, err := client.extractHost(context.Background(), srv.URL+"/landing")
	require.NoError(t, err)
	require.Equal(t, []string{
		srv.URL + "/fsl/file.mkv",
		"https://pixeldrain.com/api/file/abc123?download",
		srv.URL + "/direct/file.mkv",
	}, urls)
}

func TestExtractHostSelectorFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Old markup generation without the download-links-div wrapper
		fmt.Fprint(w, `<div class="card-body"><a class="btn" href="https://cdn.example.com/file.mkv">Download File</a></div>`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	urls, err := client.extractHost(context.Background(), srv.URL+"/landing")
	require.NoError(t, err)
	require.Equal(t, []string{"https://cdn.example.com/file.mkv"}, urls)
}

func TestExtractHostNoBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>nothing here</body></html>")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.extractHost(context.Background(), srv.URL+"/landing")
	require.Error(t, err)
}

func TestChase10Gbps(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/hop1", http.StatusFound)
		case "/hop1":
			http.Redirect(w, r, "/final?id=42&link=https%3A%2F%2Fcdn.example.com%2Ffile.mkv", http.StatusFound)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	got, err := client.chase10Gbps(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/file.mkv", got)
}

func TestChase10GbpsHopLimit(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.chase10Gbps(context.Background(), srv.URL+"/loop")
	require.Error(t, err)
	require.Contains(t, err.Error(), "hops")
}

func TestChaseHubcdnPixel(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pixel":
			http.Redirect(w, r, "/step2", http.StatusFound)
		case "/step2":
			http.Redirect(w, r, "/final?link=https%3A%2F%2Fcdn.example.com%2Ffile.mkv", http.StatusFound)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	got, err := client.chaseHubcdnPixel(context.Background(), srv.URL+"/pixel")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/file.mkv", got)
}

func TestPixeldrainDirectURL(t *testing.T) {
	require.Equal(t, "https://pixeldrain.com/api/file/abc?download", pixeldrainDirectURL("https://pixeldrain.com/u/abc"))
	require.Equal(t, "https://pixeldrain.com/api/file/x?download", pixeldrainDirectURL("https://pixeldrain.com/api/file/x?download"))
}
