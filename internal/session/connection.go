package session

import (
	"context"
	"log/slog"

	"github.com/sheerbytes/hfrelay/internal/logging"
	"github.com/sheerbytes/hfrelay/internal/transfer"
	"github.com/sheerbytes/hfrelay/internal/wsclient"
	"github.com/sheerbytes/hfrelay/pkg/protocol"
)

// Connection is the persistent connection a session streams over.
type Connection interface {
	transfer.FrameSink
	Close() error
}

// Dialer opens the connection to the receiving server.
type Dialer func(ctx context.Context) (Connection, error)

// WebSocketDialer dials wsURL and drains the server's status messages in the
// background, logging them.
func WebSocketDialer(wsURL string, logger *slog.Logger) Dialer {
	logger = logging.OrDiscard(logger)
	return func(ctx context.Context) (Connection, error) {
		conn, err := wsclient.Dial(ctx, wsURL, logger)
		if err != nil {
			return nil, err
		}
		go conn.ReadLoop(ctx, func(status string) {
			if protocol.IsErrorStatus(status) {
				logger.Warn("receiver reported an error", "status", status)
				return
			}
			logger.Debug("receiver status", "status", status)
		})
		return conn, nil
	}
}
