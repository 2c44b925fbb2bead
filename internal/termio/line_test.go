package termio

import (
	"bytes"
	"testing"
)

func TestLinePlain(t *testing.T) {
	var buf bytes.Buffer
	l := NewLine(&buf, false)
	l.Update("Streaming a: 1.00 MB / 2.00 MB")
	l.Update("Streaming a: 2.00 MB / 2.00 MB")
	l.Println("Streamed: 1/1 - a")
	l.Done()

	want := "Streaming a: 1.00 MB / 2.00 MB\nStreaming a: 2.00 MB / 2.00 MB\nStreamed: 1/1 - a\n"
	if buf.String() != want {
		t.Fatalf("output = %q, want %q", buf.String(), want)
	}
}

func TestLineTerminal(t *testing.T) {
	var buf bytes.Buffer
	l := NewLine(&buf, true)
	l.Update("one")
	l.Update("two")
	l.Println("kept")
	l.Update("three")
	l.Done()
	l.Done()

	want := "\rone" + clearEOL + "\rtwo" + clearEOL + "\r" + clearEOL + "kept\n" + "\rthree" + clearEOL + "\n"
	if buf.String() != want {
		t.Fatalf("output = %q, want %q", buf.String(), want)
	}
}

func TestIsTerminalBuffer(t *testing.T) {
	if IsTerminal(&bytes.Buffer{}) {
		t.Fatal("buffer reported as terminal")
	}
}
