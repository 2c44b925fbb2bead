package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Control is the JSON text message that brackets the binary data frames of
// one file. A start message carries the file metadata; an end message only
// carries the action.
type Control struct {
	FileName   string `json:"file_name,omitempty"`
	RepoName   string `json:"repo_name,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
	Action     string `json:"action"`
}

// Start returns the control message that opens a file.
func Start(fileName, repoName, commitHash string) Control {
	return Control{
		FileName:   fileName,
		RepoName:   repoName,
		CommitHash: commitHash,
		Action:     ActionStart,
	}
}

// End returns the control message that closes the current file.
func End() Control {
	return Control{Action: ActionEnd}
}

// Kind maps the action to a frame kind.
func (c Control) Kind() (FrameKind, error) {
	switch c.Action {
	case ActionStart:
		return FrameStart, nil
	case ActionEnd:
		return FrameEnd, nil
	default:
		return 0, fmt.Errorf("unknown action %q", c.Action)
	}
}

// ValidateBasic performs basic validation on the control message.
// Returns an error if validation fails.
func (c Control) ValidateBasic() error {
	switch c.Action {
	case ActionStart:
		if c.FileName == "" || c.RepoName == "" || c.CommitHash == "" {
			return errors.New("missing metadata")
		}
		return nil
	case ActionEnd:
		return nil
	case "":
		return errors.New("action is required")
	default:
		return fmt.Errorf("unknown action %q", c.Action)
	}
}

// DecodeControl parses and validates a text message.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := c.ValidateBasic(); err != nil {
		return Control{}, err
	}
	return c, nil
}

// StatusStarted is the acknowledgement for a start message.
func StatusStarted(fileName string) string { return StatusStartedPrefix + fileName }

// StatusFinished is the acknowledgement for an end message.
func StatusFinished(fileName string) string { return StatusFinishedPrefix + fileName }

// StatusError formats a receiver-side failure.
func StatusError(msg string) string { return StatusErrorPrefix + msg }

// IsErrorStatus reports whether a status message signals a failure.
func IsErrorStatus(s string) bool { return strings.HasPrefix(s, StatusErrorPrefix) }
