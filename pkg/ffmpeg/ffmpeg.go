// Package ffmpeg runs the external transcoder used by the merge and packaging stages.
package ffmpeg

import (
	"bufio"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"sync"

	"github.com/heyjunin/HLSbrew/pkg/errors"
	"github.com/heyjunin/HLSbrew/pkg/logger"
)

// Runner invokes the transcoder with a full argument list (inputs, options, output).
type Runner interface {
	Run(ctx context.Context, args []string) error
}

// Options configures Exec.
type Options struct {
	// Binary is the ffmpeg executable. Defaults to "ffmpeg".
	Binary string
	// ProbeBinary is the ffprobe executable. Defaults to "ffprobe".
	ProbeBinary string
	// TailLines bounds how many stderr lines are kept as the failure diagnostic. Defaults to 20.
	TailLines int
	// Logger receives every stderr line at debug level.
	Logger logger.Logger
}

// Exec runs ffmpeg as a subprocess.
type Exec struct {
	options Options
}

// New creates an Exec runner.
func New(options Options) *Exec {
	if options.Binary == "" {
		options.Binary = "ffmpeg"
	}
	if options.ProbeBinary == "" {
		options.ProbeBinary = "ffprobe"
	}
	if options.TailLines <= 0 {
		options.TailLines = 20
	}
	if options.Logger == nil {
		options.Logger = logger.NewLogger()
	}
	return &Exec{options: options}
}

var timeRegex = regexp.MustCompile(`time=(\d+:\d+:\d+\.\d+)`)

// Run executes the binary and waits for it. Cancelling ctx kills the process.
// A non-zero exit is returned as a SystemError whose Details hold the stderr tail.
func (e *Exec) Run(ctx context.Context, args []string) error {
	e.options.Logger.Debug("Executing FFmpeg command", "ffmpeg", map[string]interface{}{
		"command": e.options.Binary + " " + strings.Join(args, " "),
	})

	cmd := exec.CommandContext(ctx, e.options.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, errors.SystemError, "Failed to create stderr pipe", errors.ErrTranscoderPipe)
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, errors.SystemError, "Failed to start FFmpeg", errors.ErrTranscoderNotStarts)
	}

	tail := newTail(e.options.TailLines)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			tail.add(line)
			if m := timeRegex.FindStringSubmatch(line); m != nil {
				e.options.Logger.Debug("FFmpeg progress", "ffmpeg", map[string]interface{}{"time": m[1]})
				continue
			}
			e.options.Logger.Debug(line, "ffmpeg", nil)
		}
	}()

	// stderr must be drained before Wait closes the pipe.
	wg.Wait()
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Wrap(ctxErr, errors.SystemError, "FFmpeg command cancelled", errors.ErrTranscoderFailed)
		}
		se := errors.Wrap(err, errors.SystemError, "FFmpeg command failed", errors.ErrTranscoderFailed)
		if diag := tail.String(); diag != "" {
			se.Details = err.Error() + ": " + diag
		}
		return se
	}
	return nil
}

// Check verifies the binary responds to -version.
func (e *Exec) Check(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.options.Binary, "-version")
	if err := cmd.Run(); err != nil {
		return errors.Wrap(err, errors.SystemError, "FFmpeg is not available", errors.ErrTranscoderMissing)
	}
	return nil
}

// tail keeps the last n lines written to it.
type tail struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.TrimSpace(line) == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
