package receiver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/sheerbytes/hfrelay/internal/hub"
	"github.com/sheerbytes/hfrelay/internal/logging"
	"github.com/sheerbytes/hfrelay/internal/progress"
	"github.com/sheerbytes/hfrelay/internal/telemetry"
	"github.com/sheerbytes/hfrelay/pkg/protocol"
)

const (
	idleTimeout  = 2 * time.Minute
	writeTimeout = 10 * time.Second
	// maxMessageBytes bounds one frame; the sender uses 256 KiB chunks.
	maxMessageBytes = 64 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMux wires the receiver endpoints onto a fresh mux.
func NewMux(store *Store, logger *slog.Logger) *http.ServeMux {
	logger = logging.OrDiscard(logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("/scan-cache", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		repos, err := store.Scan()
		if err != nil {
			logger.Error("scan cache failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if repos == nil {
			repos = []CachedRepo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"cache_dir": store.Root(), "repos": repos})
	})
	mux.Handle(protocol.StreamPath, NewHandler(store, logger))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler accepts streaming connections and stores the files they carry.
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler returns a Handler writing into store.
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logging.OrDiscard(logger)}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	c := &connection{
		conn:    conn,
		store:   h.store,
		logger:  h.logger.With("remote", r.RemoteAddr),
		refs:    make(map[string]bool),
		dropLog: rate.Sometimes{Interval: time.Second},
	}
	c.logger.Info("sender connected")
	defer c.abort("connection closed")
	c.serve(r)
}

// connection holds the state of one sender. Frames are handled in arrival
// order on a single goroutine.
type connection struct {
	conn   *websocket.Conn
	store  *Store
	logger *slog.Logger

	current *PartialFile
	span    trace.Span
	started time.Time
	// refs remembers which repositories had refs/main written.
	refs    map[string]bool
	dropLog rate.Sometimes
}

func (c *connection) serve(r *http.Request) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idleTimeout))

		switch kind {
		case websocket.TextMessage:
			if err := c.handleControl(r, data); err != nil {
				c.logger.Warn("control message rejected", "error", err)
				if err := c.status(protocol.StatusError(err.Error())); err != nil {
					return
				}
			}
		case websocket.BinaryMessage:
			if err := c.handleData(data); err != nil {
				c.logger.Error("write failed", "error", err)
				c.abort("write failed")
				if err := c.status(protocol.StatusError(err.Error())); err != nil {
					return
				}
			}
		}
	}
}

func (c *connection) handleControl(r *http.Request, data []byte) error {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		return err
	}
	kind, err := msg.Kind()
	if err != nil {
		return err
	}
	if kind == protocol.FrameEnd {
		return c.finish()
	}
	return c.start(r, msg)
}

func (c *connection) start(r *http.Request, msg protocol.Control) error {
	if c.current != nil {
		c.logger.Info("file superseded", "file", c.current.Name, "bytes", c.current.Written(), "by", msg.FileName)
		c.abort("superseded")
	}
	repo, err := hub.ParseRepo(msg.RepoName)
	if err != nil {
		return err
	}
	if msg.CommitHash != "" && !c.refs[repo.String()] {
		if err := c.store.WriteRef(repo, msg.CommitHash); err != nil {
			return err
		}
		c.refs[repo.String()] = true
	}
	f, err := c.store.Create(repo, msg.CommitHash, msg.FileName)
	if err != nil {
		return err
	}
	c.current = f
	c.started = time.Now()
	_, c.span = telemetry.StartSpan(r.Context(), "receiver.file",
		attribute.String("file", msg.FileName),
		attribute.String("repo", repo.String()),
	)
	c.logger.Info("saving file", "file", msg.FileName, "repo", repo.String(), "commit", msg.CommitHash)
	return c.status(protocol.StatusStarted(msg.FileName))
}

func (c *connection) handleData(data []byte) error {
	if c.current == nil {
		c.dropLog.Do(func() {
			c.logger.Warn("dropping data outside a file", "bytes", len(data))
		})
		return nil
	}
	_, err := c.current.Write(data)
	return err
}

func (c *connection) finish() error {
	if c.current == nil {
		return errors.New("end without start")
	}
	f := c.current
	c.current = nil
	err := f.Commit()
	if c.span != nil {
		c.span.SetAttributes(attribute.Int64("bytes", f.Written()))
		telemetry.End(c.span, err)
		c.span = nil
	}
	if err != nil {
		return err
	}
	elapsed := time.Since(c.started)
	rateBps := 0.0
	if elapsed > 0 {
		rateBps = float64(f.Written()) / elapsed.Seconds()
	}
	c.logger.Info("file saved", "file", f.Name, "bytes", f.Written(), "elapsed", elapsed.Round(time.Millisecond), "rate", progress.Rate(rateBps))
	return c.status(protocol.StatusFinished(f.Name))
}

// abort discards the open file, if any.
func (c *connection) abort(reason string) {
	if c.current == nil {
		return
	}
	c.logger.Debug("discarding partial file", "file", c.current.Name, "reason", reason)
	c.current.Abort()
	c.current = nil
	if c.span != nil {
		c.span.AddEvent(reason)
		telemetry.End(c.span, errors.New(reason))
		c.span = nil
	}
}

func (c *connection) status(msg string) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}
