package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sheerbytes/hfrelay/internal/filter"
	"github.com/sheerbytes/hfrelay/internal/hub"
	"github.com/sheerbytes/hfrelay/internal/logging"
	"github.com/sheerbytes/hfrelay/internal/progress"
	"github.com/sheerbytes/hfrelay/internal/telemetry"
	"github.com/sheerbytes/hfrelay/internal/transfer"
	"github.com/sheerbytes/hfrelay/pkg/manifest"
)

// Defaults for Config fields left at zero.
const (
	DefaultCommitAttempts = 3
	DefaultListAttempts   = 3
	DefaultPacing         = 500 * time.Millisecond
)

// Config holds the inputs of one session.
type Config struct {
	Repo            hub.Repo
	Token           string
	ExcludePatterns []string
	CommitAttempts  int
	ListAttempts    int
	FileAttempts    int
	// Pacing is the pause between two files. Negative disables it.
	Pacing    time.Duration
	BaseDelay time.Duration
	ChunkSize int
}

// Deps are the collaborators of a session.
type Deps struct {
	Hub      *hub.Client
	Dial     Dialer
	Reporter progress.Reporter
	Logger   *slog.Logger
	// OnState observes every transition; index is the file being streamed.
	OnState func(state State, index int)
}

// Result summarizes a completed session.
type Result struct {
	SessionID  string
	Commit     string
	ManifestID string
	Files      int
	Bytes      int64
	Skipped    int
}

// Session relays the transfer set of one repository revision to the
// receiving server over a single connection, one file at a time.
type Session struct {
	id       string
	cfg      Config
	hub      *hub.Client
	dial     Dialer
	reporter progress.Reporter
	logger   *slog.Logger
	onState  func(State, int)

	mu    sync.Mutex
	state State
	index int
}

// New validates cfg and returns an idle Session.
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.Repo.IsZero() {
		return nil, hub.ErrEmptyRepo
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("session: hub client is required")
	}
	if deps.Dial == nil {
		return nil, fmt.Errorf("session: dialer is required")
	}
	if cfg.CommitAttempts < 1 {
		cfg.CommitAttempts = DefaultCommitAttempts
	}
	if cfg.ListAttempts < 1 {
		cfg.ListAttempts = DefaultListAttempts
	}
	if cfg.Pacing == 0 {
		cfg.Pacing = DefaultPacing
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = deps.Hub.HTTP().BaseDelay()
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = progress.Funcs{}
	}

	id := uuid.NewString()
	return &Session{
		id:       id,
		cfg:      cfg,
		hub:      deps.Hub,
		dial:     deps.Dial,
		reporter: reporter,
		logger:   logging.OrDiscard(deps.Logger).With("session", id, "repo", cfg.Repo.String()),
		onState:  deps.OnState,
	}, nil
}

// ID returns the session identifier used in logs and traces.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state and the index of the file being streamed.
func (s *Session) State() (State, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.index
}

func (s *Session) setState(state State, index int) {
	s.mu.Lock()
	s.state = state
	s.index = index
	s.mu.Unlock()
	s.logger.Debug("session state", "state", state.String(), "index", index)
	if s.onState != nil {
		s.onState(state, index)
	}
}

// Run executes the session: resolve the commit, enumerate, connect, then
// stream every file in order. The first unrecoverable error aborts the
// remaining files, is reported once through the error callback and is
// returned. The connection is closed on every exit path.
func (s *Session) Run(ctx context.Context) (res Result, err error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return Result{}, ErrAlreadyStarted
	}
	s.state = StateResolvingCommit
	s.mu.Unlock()

	res.SessionID = s.id
	ctx, span := telemetry.StartSpan(ctx, "session.run",
		attribute.String("session.id", s.id),
		attribute.String("repo", s.cfg.Repo.String()),
	)

	var conn Connection
	defer func() {
		if conn != nil {
			if cerr := conn.Close(); cerr != nil {
				s.logger.Debug("close connection", "error", cerr)
			}
		}
		if err != nil {
			s.setState(StateFailed, s.currentIndex())
			s.logger.Error("session failed", "error", err)
			s.reporter.Error(progress.Failure(err))
		}
		span.SetAttributes(attribute.Int("files", res.Files), attribute.Int64("bytes", res.Bytes))
		telemetry.End(span, err)
	}()

	s.setState(StateResolvingCommit, 0)
	commit, err := s.hub.ResolveCommit(ctx, s.cfg.Repo, s.cfg.CommitAttempts, nil)
	if err != nil {
		return res, &CommitError{Err: err}
	}
	res.Commit = commit
	s.logger.Info("resolved commit", "commit", commit)

	s.setState(StateEnumerating, 0)
	lister := manifest.NewLister(s.hub, filter.New(s.cfg.ExcludePatterns), s.cfg.ListAttempts)
	m, err := lister.Build(ctx, s.cfg.Repo, commit)
	if err != nil {
		return res, err
	}
	res.ManifestID = manifest.ManifestID(m)
	res.Skipped = m.Skipped
	s.logger.Info("transfer set ready", "files", m.FileCount, "skipped", m.Skipped, "bytes", m.TotalBytes, "manifest_id", res.ManifestID)
	s.reporter.Progress(progress.Found(m.FileCount, s.cfg.Repo.String()))

	s.setState(StateConnecting, 0)
	conn, err = s.dial(ctx)
	if err != nil {
		conn = nil
		return res, &ConnectionError{Err: err}
	}
	s.reporter.Progress(progress.Connected())

	streamer := transfer.NewStreamer(s.hub.HTTP(), transfer.Options{
		MaxAttempts: s.cfg.FileAttempts,
		BaseDelay:   s.cfg.BaseDelay,
		ChunkSize:   s.cfg.ChunkSize,
		Logger:      s.logger,
		OnProgress:  s.reporter.Progress,
	})

	for i, item := range m.Items {
		if i > 0 && s.cfg.Pacing > 0 {
			if err := sleep(ctx, s.cfg.Pacing); err != nil {
				return res, err
			}
		}
		s.setState(StateStreaming, i)

		n, err := streamer.Stream(ctx, transfer.Job{
			URL:      s.hub.ResolveURL(s.cfg.Repo, item.RelPath),
			FileName: item.RelPath,
			Repo:     s.cfg.Repo.String(),
			Commit:   commit,
			Token:    s.hub.Token(),
		}, conn)
		if err != nil {
			return res, err
		}
		res.Files++
		res.Bytes += n
		s.reporter.Progress(progress.Streamed(i+1, m.FileCount, item.RelPath))
	}

	s.setState(StateCompleted, len(m.Items))
	s.logger.Info("session completed", "files", res.Files, "bytes", res.Bytes)
	s.reporter.Progress(progress.Completed(s.cfg.Repo.String()))
	return res, nil
}

func (s *Session) currentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
