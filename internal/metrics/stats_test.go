package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{100, " 0.1 KiB"},
		{1536, " 1.5 KiB"},
		{99 * 1024, "99.0 KiB"},
		{5 * 1024 * 1024, " 5.0 MiB"},
		{1 << 60, "1024.0 PiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatBytes(tt.in), "formatBytes(%v)", tt.in)
	}
}

func TestFormatBytesWidth(t *testing.T) {
	for b := 1.0; b < 1<<50; b *= 3 {
		assert.Len(t, formatBytes(b), 8, "formatBytes(%v)", b)
	}
}

func TestStatsLine(t *testing.T) {
	prev := sample{opened: 10, closed: 8, up: 0, down: 0}

	_, ok := statsLine(prev, prev, 10*time.Second)
	assert.False(t, ok, "quiet period is skipped")

	_, ok = statsLine(prev, sample{opened: 10, closed: 8, up: 50, down: 50}, 10*time.Second)
	assert.False(t, ok, "trickle below 10 B/s is skipped")

	line, ok := statsLine(prev, sample{opened: 12, closed: 9, up: 10240, down: 20480}, 10*time.Second)
	assert.True(t, ok)
	assert.Equal(t, "Up:  1.0 KiB/s | Down:  2.0 KiB/s | Tunnels:  2↑  1↓ (3 active)", line)
}

func TestReportStopsOnCancel(t *testing.T) {
	var c Counters
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Report(ctx, &c, time.Millisecond) }()

	c.Opened.Add(1)
	c.BytesUp.Add(1 << 20)
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Report did not return after cancel")
	}
}
