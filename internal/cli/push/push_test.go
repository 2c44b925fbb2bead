package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/hfrelay/internal/config"
	"github.com/sheerbytes/hfrelay/internal/hub"
	"github.com/sheerbytes/hfrelay/internal/receiver"
	"github.com/sheerbytes/hfrelay/internal/session"
)

func fakeHub(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/commits/main"):
			w.Write([]byte(`[{"id":"c1"}]`))
		case strings.HasSuffix(r.URL.Path, "/tree/main"):
			var entries []hub.TreeEntry
			for _, p := range []string{"a.txt", "b.h5"} {
				if body, ok := files[p]; ok {
					entries = append(entries, hub.TreeEntry{Type: "file", Path: p, Size: int64(len(body))})
				}
			}
			json.NewEncoder(w).Encode(entries)
		case strings.Contains(r.URL.Path, "/resolve/main/"):
			body := files[r.URL.Path[strings.Index(r.URL.Path, "/resolve/main/")+len("/resolve/main/"):]]
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Write([]byte(body))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func testConfig(hubURL, serverURL string) config.ClientConfig {
	cfg := config.DefaultClientConfig()
	cfg.Repo = "org/model"
	cfg.HubURL = hubURL
	cfg.ServerURL = serverURL
	cfg.BaseDelay = time.Millisecond
	cfg.Pacing = 0
	return cfg
}

func TestRun_PrintsProgress(t *testing.T) {
	hubServer := fakeHub(t, map[string]string{"a.txt": "hello", "b.h5": "skip"})
	store := receiver.NewStore(t.TempDir())
	relay := httptest.NewServer(receiver.NewMux(store, nil))
	defer relay.Close()

	var out, logs bytes.Buffer
	res, err := Run(context.Background(), testConfig(hubServer.URL, relay.URL), &out, &logs, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)

	text := out.String()
	assert.Contains(t, text, "Found 1 files in org/model\n")
	assert.Contains(t, text, "Connected to the server\n")
	assert.Contains(t, text, "Streaming a.txt: 0.00 MB / 0.00 MB\n")
	assert.Contains(t, text, "Streamed: 1/1 - a.txt\n")
	assert.True(t, strings.HasSuffix(text, "All files from org/model have been transferred!\n"), text)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(store.SnapshotPath(hub.Repo{Owner: "org", Name: "model"}, "c1", "a.txt"))
		return err == nil && string(data) == "hello"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_ConnectionFailure(t *testing.T) {
	hubServer := fakeHub(t, map[string]string{"a.txt": "hello"})
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	var out, logs bytes.Buffer
	_, err := Run(context.Background(), testConfig(hubServer.URL, dead.URL), &out, &logs, "test")
	var connErr *session.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, out.String(), "Error: WebSocket connection failed")
}

func TestCommand_RequiresRepo(t *testing.T) {
	for _, k := range []string{"HFRELAY_REPO", "HFRELAY_CONFIG"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	cmd := NewCommand("test")
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	assert.ErrorIs(t, err, config.ErrRepoRequired)
}

func TestCommand_PositionalRepo(t *testing.T) {
	hubServer := fakeHub(t, map[string]string{"a.txt": "x"})
	store := receiver.NewStore(t.TempDir())
	relay := httptest.NewServer(receiver.NewMux(store, nil))
	defer relay.Close()

	var out bytes.Buffer
	cmd := NewCommand("test")
	cmd.SetArgs([]string{"org/model", "--hub-url", hubServer.URL, "--server-url", relay.URL, "--base-delay", "1ms", "--pacing", "0s"})
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "All files from org/model have been transferred!")
}
