package push

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sheerbytes/hfrelay/internal/clienthttp"
	"github.com/sheerbytes/hfrelay/internal/config"
	"github.com/sheerbytes/hfrelay/internal/hub"
	"github.com/sheerbytes/hfrelay/internal/logging"
	"github.com/sheerbytes/hfrelay/internal/progress"
	"github.com/sheerbytes/hfrelay/internal/session"
	"github.com/sheerbytes/hfrelay/internal/telemetry"
	"github.com/sheerbytes/hfrelay/internal/termio"
	"github.com/sheerbytes/hfrelay/internal/wsclient"
)

// NewCommand returns the push subcommand.
func NewCommand(version string) *cobra.Command {
	var flags *config.ClientFlags

	cmd := &cobra.Command{
		Use:   "push [owner/name]",
		Short: "Relay a model repository from the hub to a receiving server",
		Long: `Resolves the latest commit of the repository, lists its files, skips
hidden files and files matching --exclude, and streams the rest one at a
time over a single WebSocket connection to the receiving server.`,
		Example: `  hfrelay push facebook/opt-125m
  hfrelay push org/model --server-url http://gpu-box:8080 --exclude "*.msgpack,*.h5,*.onnx"`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				cfg.Repo = strings.TrimSpace(args[0])
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err = Run(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr(), version)
			var printed reportedError
			if errors.As(err, &printed) {
				cmd.SilenceErrors = true
			}
			return err
		},
	}
	flags = config.RegisterClientFlags(cmd.Flags())
	return cmd
}

// reportedError marks an error the session already printed through its
// error callback.
type reportedError struct {
	error
}

func (e reportedError) Unwrap() error {
	return e.error
}

// Run pushes cfg.Repo to cfg.ServerURL. Progress goes to out, logs to
// errOut. The session error has already been printed to out when Run
// returns it.
func Run(ctx context.Context, cfg config.ClientConfig, out, errOut io.Writer, version string) (session.Result, error) {
	logger := logging.NewWithWriter(errOut, "hfrelay", cfg.LogLevel)

	shutdown, err := telemetry.Initialize(ctx, telemetry.Config{
		ServiceName:    "hfrelay",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return session.Result{}, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	repo, err := hub.ParseRepo(cfg.Repo)
	if err != nil {
		return session.Result{}, err
	}
	wsURL, err := wsclient.StreamURL(cfg.ServerURL)
	if err != nil {
		return session.Result{}, err
	}

	hc := clienthttp.New(clienthttp.WithBaseDelay(cfg.BaseDelay), clienthttp.WithLogger(logger))
	line := termio.NewLine(out, termio.IsTerminal(out))
	defer line.Done()

	pacing := cfg.Pacing
	if pacing == 0 {
		pacing = -1
	}
	s, err := session.New(session.Config{
		Repo:            repo,
		Token:           cfg.Token,
		ExcludePatterns: cfg.Exclude,
		CommitAttempts:  cfg.CommitAttempts,
		ListAttempts:    cfg.ListAttempts,
		FileAttempts:    cfg.FileAttempts,
		Pacing:          pacing,
		BaseDelay:       cfg.BaseDelay,
		ChunkSize:       cfg.ChunkSize,
	}, session.Deps{
		Hub:  hub.NewClient(cfg.HubURL, cfg.Token, hc, logger),
		Dial: session.WebSocketDialer(wsURL, logger),
		Reporter: progress.Funcs{
			OnProgress: func(msg string) {
				if progress.Transient(msg) {
					line.Update(msg)
					return
				}
				line.Println(msg)
			},
			OnError: line.Println,
		},
		Logger: logger,
	})
	if err != nil {
		return session.Result{}, err
	}
	logger.Info("push starting", "session", s.ID(), "repo", repo.String(), "server", wsURL)
	res, err := s.Run(ctx)
	if err != nil {
		return res, reportedError{err}
	}
	return res, nil
}
