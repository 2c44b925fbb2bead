package progress

import (
	"fmt"
	"strings"
)

const mib = 1024 * 1024

// Reporter receives human-readable progress and error messages.
type Reporter interface {
	Progress(msg string)
	Error(msg string)
}

// Funcs adapts two callbacks to a Reporter. Nil callbacks are skipped.
type Funcs struct {
	OnProgress func(string)
	OnError    func(string)
}

func (f Funcs) Progress(msg string) {
	if f.OnProgress != nil {
		f.OnProgress(msg)
	}
}

func (f Funcs) Error(msg string) {
	if f.OnError != nil {
		f.OnError(msg)
	}
}

// Found reports the size of the transfer set.
func Found(count int, repo string) string {
	return fmt.Sprintf("Found %d files in %s", count, repo)
}

// Connected reports an open connection to the receiving server.
func Connected() string {
	return "Connected to the server"
}

// Streaming reports bytes sent for the current file. A total of 0 is
// rendered as "unknown" rather than a 0.00 MB ceiling.
func Streaming(fileName string, received, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("Streaming %s: %s / unknown", fileName, MB(received))
	}
	return fmt.Sprintf("Streaming %s: %s / %s", fileName, MB(received), MB(total))
}

// Streamed reports a completed file.
func Streamed(done, total int, fileName string) string {
	return fmt.Sprintf("Streamed: %d/%d - %s", done, total, fileName)
}

// Retrying reports that attempt of max failed and the file will be retried.
func Retrying(fileName string, attempt, max int) string {
	return fmt.Sprintf("Retrying %s (%d/%d)", fileName, attempt, max)
}

// Completed reports a successful session.
func Completed(repo string) string {
	return fmt.Sprintf("All files from %s have been transferred!", repo)
}

// Failure formats the terminal error of a session.
func Failure(err error) string {
	return "Error: " + err.Error()
}

// MB renders a byte count in mebibytes with two decimals.
func MB(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/mib)
}

// Rate renders a rate in MiB/s.
func Rate(bps float64) string {
	return fmt.Sprintf("%.2f MB/s", bps/mib)
}

// Transient reports whether msg is a per-chunk update that a terminal may
// overwrite with the next one.
func Transient(msg string) bool {
	return strings.HasPrefix(msg, "Streaming ")
}
