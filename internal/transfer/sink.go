package transfer

import (
	"context"
	"net/http"

	"github.com/sheerbytes/hfrelay/pkg/protocol"
)

// FrameSink receives the frames of a file transfer in order.
// *wsclient.Conn implements it.
type FrameSink interface {
	// SendControl writes a start or end control message.
	SendControl(msg protocol.Control) error
	// SendData writes one chunk. The sink must not retain p after returning.
	SendData(p []byte) error
}

// Fetcher performs a single content GET. *clienthttp.Client implements it.
type Fetcher interface {
	GetOnce(ctx context.Context, url, token string) (*http.Response, error)
}

// Job describes one file to stream.
type Job struct {
	URL      string // content URL
	FileName string // name carried by the start frame (path relative to the repo root)
	Repo     string
	Commit   string
	Token    string
}
