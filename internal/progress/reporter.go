package progress

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

// Options configures the progress reporter.
type Options struct {
	// Action is shown in the header, e.g. "Uploading" or "Downloading".
	Action string

	// Name is the archive, file or job being transferred (for display).
	Name string

	// TotalSize is the total number of bytes to transfer.
	TotalSize int64

	// TotalParts is the total number of parts or chunks.
	TotalParts int

	// PartSize is the size of each part (for display).
	PartSize int64

	// Workers is the number of parallel workers.
	Workers int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Redraw rewrites the status lines in place. It is enabled
	// automatically when Output is a terminal.
	Redraw bool
}

// Reporter outputs human-readable progress information. It receives
// part events from multipart uploads and chunk events from retrieval
// downloads.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	completedBytes atomic.Int64
	completedParts atomic.Int32
	skippedParts   atomic.Int32
	failedParts    atomic.Int32
	inProgress     atomic.Int32
	startTime      time.Time
	lastUpdate     time.Time
	lastBytes      int64
	stopCh         chan struct{}
	doneCh         chan struct{}
	started        bool
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}
	if opts.Action == "" {
		opts.Action = "Transferring"
	}
	if f, ok := opts.Output.(interface{ Fd() uintptr }); ok && term.IsTerminal(int(f.Fd())) {
		opts.Redraw = true
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start prints the header and begins periodic updates.
func (r *Reporter) Start() {
	r.mu.Lock()
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.started = true
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[glacier] %s: %s\n", r.opts.Action, r.opts.Name)
	fmt.Fprintf(r.opts.Output, "[glacier] Total size: %s | Parts: %d x %s | Workers: %d\n",
		formatBytes(r.opts.TotalSize),
		r.opts.TotalParts,
		formatBytes(r.opts.PartSize),
		r.opts.Workers,
	)

	go r.updateLoop()
}

// Stop stops the reporter and prints a summary. It is safe to call more
// than once.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

// Skip accounts for parts completed by an earlier run.
func (r *Reporter) Skip(parts int, size int64) {
	r.skippedParts.Add(int32(parts))
	r.completedBytes.Add(size)
	r.mu.Lock()
	r.lastBytes += size
	r.mu.Unlock()
}

// PartStarted marks a part as in progress.
func (r *Reporter) PartStarted(index int, length int64) {
	r.inProgress.Add(1)
}

// PartCompleted marks a part as completed.
func (r *Reporter) PartCompleted(index int, length int64) {
	r.completedBytes.Add(length)
	r.completedParts.Add(1)
	r.inProgress.Add(-1)
}

// PartFailed marks a part as failed (removes it from in-progress).
func (r *Reporter) PartFailed(index int, err error) {
	r.failedParts.Add(1)
	r.inProgress.Add(-1)
}

// ChunkStarted marks a download chunk as in progress.
func (r *Reporter) ChunkStarted(index int, length int64) { r.PartStarted(index, length) }

// ChunkCompleted marks a download chunk as completed.
func (r *Reporter) ChunkCompleted(index int, length int64) { r.PartCompleted(index, length) }

// ChunkFailed marks a download chunk as failed.
func (r *Reporter) ChunkFailed(index int, err error) { r.PartFailed(index, err) }

func (r *Reporter) updateLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

func (r *Reporter) printProgress() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	completed := r.completedBytes.Load()
	done := int(r.completedParts.Load() + r.skippedParts.Load())
	inProgress := int(r.inProgress.Load())

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(completed-r.lastBytes) / elapsed
	r.lastUpdate = now
	r.lastBytes = completed

	var percent float64
	eta := "calculating..."
	if r.opts.TotalSize > 0 {
		percent = float64(completed) / float64(r.opts.TotalSize) * 100
		if speed > 0 {
			remaining := float64(r.opts.TotalSize - completed)
			eta = formatDuration(time.Duration(remaining / speed * float64(time.Second)))
		}
	}
	pending := max(r.opts.TotalParts-done-inProgress, 0)

	status := fmt.Sprintf("[glacier] Progress: %.1f%% | %s / %s | Speed: %s/s | ETA: %s",
		percent, formatBytes(completed), formatBytes(r.opts.TotalSize), formatBytes(int64(speed)), eta)
	parts := fmt.Sprintf("[glacier] Parts: %d completed | %d in-progress | %d pending", done, inProgress, pending)

	if r.opts.Redraw {
		fmt.Fprintf(r.opts.Output, "\r%s    \n%s    \033[A", status, parts)
		return
	}
	fmt.Fprintf(r.opts.Output, "%s\n", status)
}

func (r *Reporter) printFinalStatus() {
	completed := r.completedBytes.Load()
	done := int(r.completedParts.Load() + r.skippedParts.Load())
	failed := int(r.failedParts.Load())
	duration := time.Since(r.startTime)
	avgSpeed := float64(completed) / max(duration.Seconds(), 0.001)

	prefix := ""
	if r.opts.Redraw {
		prefix = "\r"
	}
	fmt.Fprintf(r.opts.Output, "%s[glacier] Progress: %s / %s | Speed: %s/s    \n",
		prefix, formatBytes(completed), formatBytes(r.opts.TotalSize), formatBytes(int64(avgSpeed)))
	fmt.Fprintf(r.opts.Output, "[glacier] Parts: %d completed | %d failed | %d skipped    \n",
		done, failed, r.skippedParts.Load())
	fmt.Fprintf(r.opts.Output, "[glacier] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration), formatBytes(int64(avgSpeed)))
}

// formatBytes formats bytes with binary units.
func formatBytes(b int64) string {
	const (
		KiB = 1 << 10
		MiB = 1 << 20
		GiB = 1 << 30
		TiB = 1 << 40
	)

	unit := func(v float64, name string) string {
		if v == float64(int64(v)) && v >= 10 {
			return fmt.Sprintf("%d %s", int64(v), name)
		}
		return fmt.Sprintf("%.1f %s", v, name)
	}

	switch {
	case b >= TiB:
		return unit(float64(b)/TiB, "TiB")
	case b >= GiB:
		return unit(float64(b)/GiB, "GiB")
	case b >= MiB:
		return unit(float64(b)/MiB, "MiB")
	case b >= KiB:
		return unit(float64(b)/KiB, "KiB")
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	// Longest suffixes first so "MiB" is not read as "B".
	{"TiB", 1 << 40},
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"TB", 1000 * 1000 * 1000 * 1000},
	{"GB", 1000 * 1000 * 1000},
	{"MB", 1000 * 1000},
	{"KB", 1000},
	{"B", 1},
}

// ParseBytes parses a human-readable byte string such as "256MiB",
// "1.5GiB" or "100". Binary (KiB, MiB...) and SI (KB, MB...) units are
// accepted.
func ParseBytes(s string) (int64, error) {
	orig := s
	s = strings.TrimSpace(s)

	var multiplier int64 = 1
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.multiplier
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid byte string: %q", orig)
	}
	return int64(value * float64(multiplier)), nil
}
