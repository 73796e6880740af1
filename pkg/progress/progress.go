package progress

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
)

// Reporter receives progress updates from long-running operations such as
// streaming a representation to disk.
type Reporter interface {
	// Start begins a new tracked operation. total is -1 when the size is unknown.
	Start(total int64, description string)
	// Add advances the current operation by n units.
	Add(n int64)
	// Complete marks the current operation as finished.
	Complete()
}

// BarReporter renders a byte progress bar on a writer (stderr by default)
// using github.com/schollz/progressbar/v3.
type BarReporter struct {
	mu  sync.Mutex
	out io.Writer
	bar *progressbar.ProgressBar
}

// NewReporter returns a BarReporter when stderr is a terminal and a Nop reporter otherwise,
// so batch runs under a supervisor do not fill logs with bar redraws.
func NewReporter() Reporter {
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return NewBarReporter(os.Stderr)
	}
	return Nop{}
}

// NewBarReporter creates a BarReporter writing to out.
func NewBarReporter(out io.Writer) *BarReporter {
	return &BarReporter{out: out}
}

// Start creates a fresh bar for the operation.
func (r *BarReporter) Start(total int64, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// Add advances the bar by n bytes.
func (r *BarReporter) Add(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar == nil {
		return
	}
	_ = r.bar.Add64(n)
}

// Complete finishes the bar. Further Add calls are ignored until the next Start.
func (r *BarReporter) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bar == nil {
		return
	}
	_ = r.bar.Finish()
	r.bar = nil
}

// Nop is a Reporter that ignores every update.
type Nop struct{}

func (Nop) Start(int64, string) {}
func (Nop) Add(int64)           {}
func (Nop) Complete()           {}

// Reader wraps an io.Reader and reports every read to a Reporter.
type Reader struct {
	R        io.Reader
	Reporter Reporter
	// N holds the number of bytes seen so far.
	N int64
}

// Read implements io.Reader.
func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.R.Read(p)
	if n > 0 {
		pr.N += int64(n)
		pr.Reporter.Add(int64(n))
	}
	return n, err
}
