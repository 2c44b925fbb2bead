package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/hfrelay/internal/clienthttp"
	"github.com/sheerbytes/hfrelay/pkg/protocol"
)

const testBase = time.Millisecond

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// contentServer serves content, failing the first failures requests. With
// truncate set, failing requests declare the full length but send only half
// the body; otherwise they answer 503.
func contentServer(t *testing.T, content []byte, failures int32, truncate bool, omitLength bool) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failures {
			if !truncate {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Write(content[:len(content)/2])
			return
		}
		if omitLength {
			w.Header().Set("Transfer-Encoding", "chunked")
			w.Write(content)
			w.(http.Flusher).Flush()
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newTestStreamer(progress *[]string) *Streamer {
	return NewStreamer(clienthttp.New(), Options{
		BaseDelay: testBase,
		ChunkSize: 16 * 1024,
		OnProgress: func(s string) {
			if progress != nil {
				*progress = append(*progress, s)
			}
		},
	})
}

func TestStream_FrameOrdering(t *testing.T) {
	content := randomBytes(t, 200*1024+17)
	server, calls := contentServer(t, content, 0, false, false)

	var msgs []string
	rec := &Recorder{}
	n, err := newTestStreamer(&msgs).Stream(context.Background(), Job{
		URL: server.URL, FileName: "model.bin", Repo: "org/model", Commit: "c0ffee",
	}, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	files := rec.Files()
	require.Len(t, files, 1)
	assert.Equal(t, protocol.Start("model.bin", "org/model", "c0ffee"), files[0].Start)
	assert.True(t, files[0].Ended)
	assert.True(t, bytes.Equal(content, files[0].Data))
	assert.NoError(t, rec.CheckSequential())

	require.NotEmpty(t, msgs)
	assert.Equal(t, "Streaming model.bin: 0.20 MB / 0.20 MB", msgs[len(msgs)-1])
}

func TestStream_EmptyFile(t *testing.T) {
	server, _ := contentServer(t, nil, 0, false, false)
	rec := &Recorder{}
	n, err := newTestStreamer(nil).Stream(context.Background(), Job{URL: server.URL, FileName: "empty.txt", Repo: "r", Commit: "c"}, rec)
	require.NoError(t, err)
	assert.Zero(t, n)
	kinds := rec.Kinds()
	assert.Equal(t, []protocol.FrameKind{protocol.FrameStart, protocol.FrameEnd}, kinds)
}

func TestStream_ScenarioB_RetriesThenSucceeds(t *testing.T) {
	content := randomBytes(t, 4096)
	server, calls := contentServer(t, content, 2, false, false)

	var msgs []string
	rec := &Recorder{}
	_, err := newTestStreamer(&msgs).Stream(context.Background(), Job{URL: server.URL, FileName: "a.bin", Repo: "r", Commit: "c"}, rec)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))

	require.GreaterOrEqual(t, len(msgs), 3)
	assert.Equal(t, "Retrying a.bin (1/3)", msgs[0])
	assert.Equal(t, "Retrying a.bin (2/3)", msgs[1])
	assert.True(t, strings.HasPrefix(msgs[2], "Streaming a.bin:"))

	// Failed status responses never produced frames.
	files := rec.Files()
	require.Len(t, files, 1)
	assert.True(t, bytes.Equal(content, files[0].Data))
}

func TestStream_MidStreamFailureRestartsFromZero(t *testing.T) {
	content := randomBytes(t, 64*1024)
	server, _ := contentServer(t, content, 1, true, false)

	rec := &Recorder{}
	_, err := newTestStreamer(nil).Stream(context.Background(), Job{URL: server.URL, FileName: "a.bin", Repo: "r", Commit: "c"}, rec)
	require.NoError(t, err)

	files := rec.Files()
	require.Len(t, files, 2)
	assert.False(t, files[0].Ended, "interrupted attempt must not be ended")
	assert.Less(t, len(files[0].Data), len(content))
	assert.True(t, files[1].Ended)
	assert.True(t, bytes.Equal(content, files[1].Data))
	assert.Equal(t, files[0].Start, files[1].Start)
}

func TestStream_ExhaustsAttempts(t *testing.T) {
	server, calls := contentServer(t, []byte("x"), 100, false, false)

	var msgs []string
	rec := &Recorder{}
	_, err := newTestStreamer(&msgs).Stream(context.Background(), Job{URL: server.URL, FileName: "a.bin", Repo: "r", Commit: "c"}, rec)

	var serr *StreamError
	require.True(t, errors.As(err, &serr), "error = %v", err)
	assert.Equal(t, "a.bin", serr.FileName)
	assert.Equal(t, 3, serr.Attempts)
	assert.Contains(t, err.Error(), "Failed to stream a.bin after 3 attempts")
	var status *clienthttp.StatusError
	assert.True(t, errors.As(err, &status))
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, []string{"Retrying a.bin (1/3)", "Retrying a.bin (2/3)"}, msgs)
	assert.Empty(t, rec.Kinds())
}

func TestStream_SinkFailureIsRetried(t *testing.T) {
	content := randomBytes(t, 1024)
	server, calls := contentServer(t, content, 0, false, false)

	rec := &Recorder{FailData: 1}
	_, err := newTestStreamer(nil).Stream(context.Background(), Job{URL: server.URL, FileName: "a.bin", Repo: "r", Commit: "c"}, rec)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
	files := rec.Files()
	require.Len(t, files, 2)
	assert.True(t, bytes.Equal(content, files[1].Data))
}

func TestStream_UnknownLength(t *testing.T) {
	content := randomBytes(t, 1024)
	server, _ := contentServer(t, content, 0, false, true)

	var msgs []string
	_, err := newTestStreamer(&msgs).Stream(context.Background(), Job{URL: server.URL, FileName: "a.bin", Repo: "r", Commit: "c"}, &Recorder{})
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.True(t, strings.HasSuffix(msgs[len(msgs)-1], "/ unknown"), msgs[len(msgs)-1])
}

func TestStream_Cancelled(t *testing.T) {
	server, _ := contentServer(t, []byte("x"), 100, false, false)
	s := NewStreamer(clienthttp.New(), Options{BaseDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.Stream(ctx, Job{URL: server.URL, FileName: "a.bin"}, &Recorder{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStream_BearerToken(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	_, err := newTestStreamer(nil).Stream(context.Background(), Job{URL: server.URL, FileName: "a", Token: "hf_x"}, &Recorder{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer hf_x", auth)
}
