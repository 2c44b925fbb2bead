package wsclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/hfrelay/pkg/protocol"
)

type received struct {
	kind int
	data []byte
}

func echoStatusServer(t *testing.T, got chan<- received) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != protocol.StreamPath {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				close(got)
				return
			}
			got <- received{kind: kind, data: data}
			if kind == websocket.TextMessage {
				conn.WriteMessage(websocket.TextMessage, []byte("ack"))
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"http://localhost:8000", "ws://localhost:8000/stream-model", false},
		{"https://relay.example", "wss://relay.example/stream-model", false},
		{"wss://relay.example/custom", "wss://relay.example/custom", false},
		{"ftp://relay.example", "", true},
		{"http://", "", true},
	}
	for _, tt := range tests {
		got, err := StreamURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("StreamURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConn_SendsFramesInOrder(t *testing.T) {
	got := make(chan received, 16)
	server := echoStatusServer(t, got)

	wsURL, err := StreamURL(server.URL)
	if err != nil {
		t.Fatalf("StreamURL() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	statuses := make(chan string, 4)
	go conn.ReadLoop(ctx, func(s string) { statuses <- s })

	if err := conn.SendControl(protocol.Start("a.bin", "o/r", "c")); err != nil {
		t.Fatalf("SendControl() error = %v", err)
	}
	if err := conn.SendData([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendData() error = %v", err)
	}
	if err := conn.SendControl(protocol.End()); err != nil {
		t.Fatalf("SendControl() error = %v", err)
	}

	want := []int{websocket.TextMessage, websocket.BinaryMessage, websocket.TextMessage}
	for i, kind := range want {
		select {
		case r := <-got:
			if r.kind != kind {
				t.Fatalf("frame %d kind = %d, want %d", i, r.kind, kind)
			}
			if i == 0 && !strings.Contains(string(r.data), `"action":"start"`) {
				t.Errorf("start frame = %s", r.data)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for frames")
		}
	}

	select {
	case s := <-statuses:
		if s != "ack" {
			t.Errorf("status = %q, want ack", s)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for status")
	}

	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := conn.SendData([]byte{4}); !errors.Is(err, ErrClosed) {
		t.Errorf("SendData after Close error = %v, want ErrClosed", err)
	}
}

func TestDial_UpgradeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	wsURL, _ := StreamURL(server.URL)
	_, err := Dial(context.Background(), wsURL, nil)
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("Dial() error = %v, want upgrade failure with status", err)
	}
}
