package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
)

// DefaultStatsInterval is the reporting period when none is configured.
const DefaultStatsInterval = 10 * time.Second

// sample is one reading of the cumulative counters.
type sample struct {
	opened, closed, up, down int64
}

func (c *Counters) sample() sample {
	return sample{
		opened: c.Opened.Load(),
		closed: c.Closed.Load(),
		up:     c.BytesUp.Load(),
		down:   c.BytesDown.Load(),
	}
}

// Report logs tunnel statistics every interval until ctx is cancelled.
// Quiet periods are skipped.
func Report(ctx context.Context, c *Counters, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := c.sample()
	for {
		select {
		case <-ticker.C:
			cur := c.sample()
			if line, ok := statsLine(prev, cur, interval); ok {
				pterm.DefaultLogger.Info(line)
			}
			prev = cur

		case <-ctx.Done():
			return nil
		}
	}
}

// statsLine formats the change between two samples. It reports false when
// nothing worth logging happened.
func statsLine(prev, cur sample, interval time.Duration) (string, bool) {
	secs := interval.Seconds()
	upS := float64(cur.up-prev.up) / secs
	downS := float64(cur.down-prev.down) / secs
	opened := cur.opened - prev.opened
	closed := cur.closed - prev.closed

	if opened == 0 && closed == 0 && upS <= 10 && downS <= 10 {
		return "", false
	}
	return formatStats(upS, downS, opened, closed, cur.opened-cur.closed), true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB" or "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// keeps "100.0 KiB" (9 chars) from happening
	for b > 99 && unitIdx < len(byteUnits)-1 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(upS, downS float64, opened, closed, active int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Tunnels: %2d↑ %2d↓ (%d active)",
		formatBytes(upS),
		formatBytes(downS),
		opened,
		closed,
		active,
	)
}
