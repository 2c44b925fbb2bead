package progress

import (
	"errors"
	"testing"
	"time"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(2000)

	now = now.Add(1 * time.Second)
	if done := m.Add(1000); done != 1000 {
		t.Fatalf("Add() = %d, want 1000", done)
	}

	stats := m.Snapshot()
	if stats.BytesDone != 1000 {
		t.Fatalf("expected bytes done 1000, got %d", stats.BytesDone)
	}
	if stats.RateBps < 900 || stats.RateBps > 1100 {
		t.Fatalf("expected rate around 1000 B/s, got %.2f", stats.RateBps)
	}
	if stats.ETA < 900*time.Millisecond || stats.ETA > 1100*time.Millisecond {
		t.Fatalf("expected ETA around 1s, got %s", stats.ETA)
	}
	if stats.Percent != 50 {
		t.Fatalf("expected 50%%, got %.2f", stats.Percent)
	}
}

func TestMeterEWMASmoothing(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(10000)

	now = now.Add(1 * time.Second)
	m.Add(1000)

	now = now.Add(1 * time.Second)
	m.Add(3000)

	stats := m.Snapshot()
	if stats.RateBps < 1300 || stats.RateBps > 1500 {
		t.Fatalf("expected smoothed rate around 1400 B/s, got %.2f", stats.RateBps)
	}
}

func TestMeterUnknownTotal(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(-1)

	now = now.Add(time.Second)
	m.Add(500)

	stats := m.Snapshot()
	if stats.KnownTotal() {
		t.Fatal("total should be unknown")
	}
	if stats.Percent != 0 || stats.ETA != 0 {
		t.Fatalf("expected no percent/ETA, got %.2f / %s", stats.Percent, stats.ETA)
	}
}

func TestMeterRestart(t *testing.T) {
	m := NewMeter()
	m.Start(10)
	m.Add(10)
	m.Start(20)
	if stats := m.Snapshot(); stats.BytesDone != 0 || stats.Total != 20 {
		t.Fatalf("restart did not reset: %+v", stats)
	}
}

func TestMessages(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Found(3, "org/model"), "Found 3 files in org/model"},
		{Connected(), "Connected to the server"},
		{Streaming("a.bin", 1024*1024, 2*1024*1024), "Streaming a.bin: 1.00 MB / 2.00 MB"},
		{Streaming("a.bin", 512*1024, 0), "Streaming a.bin: 0.50 MB / unknown"},
		{Streamed(2, 5, "a.bin"), "Streamed: 2/5 - a.bin"},
		{Retrying("a.bin", 1, 3), "Retrying a.bin (1/3)"},
		{Completed("org/model"), "All files from org/model have been transferred!"},
		{Failure(errors.New("Failed to fetch commit data")), "Error: Failed to fetch commit data"},
		{Rate(2 * 1024 * 1024), "2.00 MB/s"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestFuncs_NilSafe(t *testing.T) {
	var f Funcs
	f.Progress("x")
	f.Error("y")

	var got []string
	f = Funcs{OnProgress: func(s string) { got = append(got, s) }}
	f.Progress("x")
	f.Error("ignored")
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("got %v", got)
	}
}
