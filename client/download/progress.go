package download

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// progressWriter is an io.Writer tracking bytes landed on disk. It feeds the
// optional sink on every write and logs at most once per second if enabled.
type progressWriter struct {
	w         io.Writer
	logger    *slog.Logger
	log       bool
	sink      Sink
	state     Progress
	startTime time.Time
	lastLog   time.Time
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.state.Done += int64(n)
	pw.emit()

	if pw.log && time.Since(pw.lastLog) >= time.Second {
		pw.lastLog = time.Now()
		pw.logLine("downloading")
	}

	return n, err
}

// Set resynchronises the counter with the on-disk size after an interruption.
func (pw *progressWriter) Set(done int64) {
	pw.state.Done = done
	pw.emit()
}

func (pw *progressWriter) Finish() {
	if pw.log {
		pw.logLine("download complete")
	}
}

func (pw *progressWriter) emit() {
	if pw.sink != nil {
		pw.sink(pw.state)
	}
}

func (pw *progressWriter) logLine(msg string) {
	elapsed := time.Since(pw.startTime)

	var pct float64
	if pw.state.Total > 0 {
		pct = float64(pw.state.Done) / float64(pw.state.Total) * 100
	}

	var mbps float64
	if s := elapsed.Seconds(); s > 0 {
		mbps = float64(pw.state.Done) / s / (1024 * 1024)
	}

	pw.logger.Info(msg,
		"progress", fmt.Sprintf("%.1f%%", pct),
		"elapsed", elapsed.Round(time.Millisecond),
		"transferred", pw.state.Done,
		"total", pw.state.Total,
		"mbps", fmt.Sprintf("%.2f", mbps),
	)
}
