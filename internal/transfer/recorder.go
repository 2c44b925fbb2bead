package transfer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sheerbytes/hfrelay/pkg/protocol"
)

// Frame is one recorded frame.
type Frame struct {
	Kind    protocol.FrameKind
	Control protocol.Control
	Data    []byte
}

// RecordedFile groups the frames between one start and the next start/end.
type RecordedFile struct {
	Start protocol.Control
	Data  []byte
	Ended bool
}

// Recorder is an in-memory FrameSink for tests and dry runs. It copies every
// chunk it receives.
type Recorder struct {
	// FailData makes the first FailData SendData calls fail.
	FailData int
	// FailControl makes the first FailControl SendControl calls fail.
	FailControl int

	mu     sync.Mutex
	frames []Frame
}

var errInjected = errors.New("injected send failure")

// SendControl implements FrameSink.
func (r *Recorder) SendControl(msg protocol.Control) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailControl > 0 {
		r.FailControl--
		return errInjected
	}
	kind, err := msg.Kind()
	if err != nil {
		return err
	}
	r.frames = append(r.frames, Frame{Kind: kind, Control: msg})
	return nil
}

// SendData implements FrameSink.
func (r *Recorder) SendData(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailData > 0 {
		r.FailData--
		return errInjected
	}
	r.frames = append(r.frames, Frame{Kind: protocol.FrameData, Data: append([]byte(nil), p...)})
	return nil
}

// Frames returns a copy of the recorded frames.
func (r *Recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

// Kinds returns the kinds of the recorded frames in order.
func (r *Recorder) Kinds() []protocol.FrameKind {
	frames := r.Frames()
	kinds := make([]protocol.FrameKind, len(frames))
	for i, f := range frames {
		kinds[i] = f.Kind
	}
	return kinds
}

// Files splits the recording at every start frame.
func (r *Recorder) Files() []RecordedFile {
	var files []RecordedFile
	for _, f := range r.Frames() {
		switch f.Kind {
		case protocol.FrameStart:
			files = append(files, RecordedFile{Start: f.Control})
		case protocol.FrameData:
			if len(files) > 0 {
				files[len(files)-1].Data = append(files[len(files)-1].Data, f.Data...)
			}
		case protocol.FrameEnd:
			if len(files) > 0 {
				files[len(files)-1].Ended = true
			}
		}
	}
	return files
}

// CheckSequential verifies the framing discipline: data and end frames only
// inside an open file, and a new file only after the previous one ended or
// was abandoned by a restart of the same file.
func (r *Recorder) CheckSequential() error {
	open := ""
	for i, f := range r.Frames() {
		switch f.Kind {
		case protocol.FrameStart:
			if open != "" && open != f.Control.FileName {
				return fmt.Errorf("frame %d: start of %s before end of %s", i, f.Control.FileName, open)
			}
			open = f.Control.FileName
		case protocol.FrameData:
			if open == "" {
				return fmt.Errorf("frame %d: data outside a file", i)
			}
		case protocol.FrameEnd:
			if open == "" {
				return fmt.Errorf("frame %d: end without start", i)
			}
			open = ""
		}
	}
	return nil
}
