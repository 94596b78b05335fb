package downloads

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plexstash/plexstash/store"
)

func collectUntilTerminal(t *testing.T, events chan event) (terminal event, progress []progressEvent) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if p, ok := ev.(progressEvent); ok {
				progress = append(progress, p)
				continue
			}
			return ev, progress
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
}

func TestSimpleEngineStagesBodyAndReportsProgress(t *testing.T) {
	payload := strings.Repeat("x", 50_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	eng := &simpleEngine{client: srv.Client()}
	events := make(chan event, 64)
	eng.Start(context.Background(), "tag1", srv.URL+"/file.mp3", events)

	terminal, progress := collectUntilTerminal(t, events)
	done, ok := terminal.(simpleDoneEvent)
	require.True(t, ok, "expected simpleDoneEvent, got %T", terminal)
	assert.Equal(t, "tag1", done.Tag)
	assert.Equal(t, 200, done.StatusCode)

	data, err := os.ReadFile(done.StagedPath)
	require.NoError(t, err)
	assert.Len(t, data, len(payload))
	os.Remove(done.StagedPath)

	require.NotEmpty(t, progress)
	last := progress[len(progress)-1]
	assert.Equal(t, int64(len(payload)), last.Written)
	assert.Equal(t, int64(len(payload)), last.Total)
}

func TestSimpleEngineFailsOnConnectionError(t *testing.T) {
	eng := &simpleEngine{client: &http.Client{Timeout: 200 * time.Millisecond}}
	events := make(chan event, 8)
	eng.Start(context.Background(), "tag1", "http://127.0.0.1:1/nope", events)

	terminal, _ := collectUntilTerminal(t, events)
	failed, ok := terminal.(failedEvent)
	require.True(t, ok)
	assert.Equal(t, "tag1", failed.Tag)
	assert.Error(t, failed.Err)
}

func TestLocalizePlaylist(t *testing.T) {
	in := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-MAP:URI="init.mp4?session=1"`,
		"#EXTINF:6.0,",
		"seg/one.ts?s=1",
		"#EXTINF:6.0,",
		"seg/two.ts?s=1",
		"#EXT-X-ENDLIST",
	}, "\n")

	segments, localized := localizePlaylist(in)
	require.Len(t, segments, 3)
	assert.Equal(t, "init.mp4?session=1", segments[0].remote)
	assert.Equal(t, "init.mp4", segments[0].local)
	assert.Equal(t, "seg00000.ts", segments[1].local)
	assert.Equal(t, "seg00001.ts", segments[2].local)

	lines := strings.Split(localized, "\n")
	assert.Equal(t, `#EXT-X-MAP:URI="init.mp4"`, lines[1])
	assert.Equal(t, "seg00000.ts", lines[3])
	assert.Equal(t, "seg00001.ts", lines[5])
	assert.Equal(t, "#EXT-X-ENDLIST", lines[6])
}

func TestSegmentedEngineBuildsBundle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\nvariant/index.m3u8\n")
	})
	mux.HandleFunc("/variant/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "#EXTM3U\n#EXTINF:6.0,\nseg0.ts\n#EXTINF:6.0,\nseg1.ts\n#EXT-X-ENDLIST\n")
	})
	for _, seg := range []string{"seg0.ts", "seg1.ts"} {
		mux.HandleFunc("/variant/"+seg, func(w http.ResponseWriter, r *http.Request) {
			w.Write(make([]byte, 1000))
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	home := t.TempDir()
	layout := &store.Layout{Root: filepath.Join(home, "dl"), Home: home}
	require.NoError(t, os.MkdirAll(layout.AssetsRoot(), 0755))

	eng := &segmentedEngine{client: srv.Client(), layout: layout}
	events := make(chan event, 64)
	eng.Start(context.Background(), "item1", srv.URL+"/start.m3u8", events)

	terminal, progress := collectUntilTerminal(t, events)
	done, ok := terminal.(assetDoneEvent)
	require.True(t, ok, "expected assetDoneEvent, got %T", terminal)

	assert.Equal(t, filepath.Join(layout.AssetsRoot(), "item1.hls"), done.Location)
	assert.FileExists(t, filepath.Join(done.Location, "index.m3u8"))
	assert.FileExists(t, filepath.Join(done.Location, "seg00000.ts"))
	assert.FileExists(t, filepath.Join(done.Location, "seg00001.ts"))
	assert.Greater(t, done.Size, int64(2000))

	playlist, err := os.ReadFile(filepath.Join(done.Location, "index.m3u8"))
	require.NoError(t, err)
	assert.Contains(t, string(playlist), "seg00000.ts")
	assert.NotContains(t, string(playlist), srv.URL)

	require.Len(t, progress, 2)
	assert.Equal(t, int64(1000), progress[0].Written)
	assert.Equal(t, int64(2000), progress[1].Written)
	assert.Equal(t, int64(2000), progress[1].Total)
}

func TestMoveFileAcrossDirectories(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))
	dest := filepath.Join(t.TempDir(), "dest")

	require.NoError(t, moveFile(src, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.NoFileExists(t, src)
}
