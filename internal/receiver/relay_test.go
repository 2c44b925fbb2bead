package receiver_test

import (
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

	"github.com/sheerbytes/hfrelay/internal/clienthttp"
	"github.com/sheerbytes/hfrelay/internal/hub"
	"github.com/sheerbytes/hfrelay/internal/progress"
	"github.com/sheerbytes/hfrelay/internal/receiver"
	"github.com/sheerbytes/hfrelay/internal/session"
	"github.com/sheerbytes/hfrelay/internal/wsclient"
)

// TestRelayIntoCache pushes a repository from a fake hub through a real
// WebSocket connection into a receiver cache.
func TestRelayIntoCache(t *testing.T) {
	files := map[string]string{
		"config.json":        `{"model_type":"bert"}`,
		"onnx/model.onnx":    strings.Repeat("w", 3000),
		"tf_model.h5":        "skipped",
		".gitattributes":     "skipped",
		"flax_model.msgpack": "skipped",
	}
	order := []string{".gitattributes", "config.json", "flax_model.msgpack", "onnx/model.onnx", "tf_model.h5"}

	hubServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/models/org/model/commits/main":
			w.Write([]byte(`[{"id":"deadbeef"}]`))
		case r.URL.Path == "/api/models/org/model/tree/main":
			var entries []hub.TreeEntry
			for _, p := range order {
				entries = append(entries, hub.TreeEntry{Type: "file", Path: p, Size: int64(len(files[p]))})
			}
			json.NewEncoder(w).Encode(entries)
		case strings.HasPrefix(r.URL.Path, "/org/model/resolve/main/"):
			body := files[strings.TrimPrefix(r.URL.Path, "/org/model/resolve/main/")]
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.Write([]byte(body))
		default:
			http.NotFound(w, r)
		}
	}))
	defer hubServer.Close()

	store := receiver.NewStore(t.TempDir())
	relayServer := httptest.NewServer(receiver.NewMux(store, nil))
	defer relayServer.Close()

	wsURL, err := wsclient.StreamURL(relayServer.URL)
	require.NoError(t, err)

	var errs []string
	hc := clienthttp.New(clienthttp.WithBaseDelay(time.Millisecond))
	s, err := session.New(session.Config{
		Repo:            hub.Repo{Owner: "org", Name: "model"},
		ExcludePatterns: []string{"*.msgpack", "*.h5"},
		Pacing:          time.Millisecond,
		ChunkSize:       1024,
	}, session.Deps{
		Hub:      hub.NewClient(hubServer.URL, "", hc, nil),
		Dial:     session.WebSocketDialer(wsURL, nil),
		Reporter: progress.Funcs{OnError: func(msg string) { errs = append(errs, msg) }},
	})
	require.NoError(t, err)

	res, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, 2, res.Files)

	repo := hub.Repo{Owner: "org", Name: "model"}
	// The receiver handles frames asynchronously; wait for the last file.
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(store.SnapshotPath(repo, "deadbeef", "onnx/model.onnx"))
		return err == nil && len(data) == 3000
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(store.SnapshotPath(repo, "deadbeef", "config.json"))
	require.NoError(t, err)
	assert.Equal(t, files["config.json"], string(data))

	repos, err := store.Scan()
	require.NoError(t, err)
	require.Len(t, repos, 1)
	assert.Equal(t, "deadbeef", repos[0].Refs["main"])
	assert.Equal(t, 2, repos[0].Files)
}
