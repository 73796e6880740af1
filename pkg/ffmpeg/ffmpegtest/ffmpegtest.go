// Package ffmpegtest provides a Runner that fakes ffmpeg's outputs on an afero filesystem.
package ffmpegtest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Runner records every invocation and writes the files ffmpeg would have produced:
// for HLS output a two-segment VOD playlist plus its segments, otherwise the output file.
type Runner struct {
	Fs afero.Fs
	// Err, if set, is returned by every call after recording it.
	Err error
	// Manifest, if set, replaces the generated playlist.
	Manifest string

	mu    sync.Mutex
	calls [][]string
}

// New returns a Runner writing to fs.
func New(fs afero.Fs) *Runner {
	return &Runner{Fs: fs}
}

// Run implements ffmpeg.Runner.
func (r *Runner) Run(_ context.Context, args []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), args...))
	r.mu.Unlock()

	if r.Err != nil {
		return r.Err
	}
	if len(args) == 0 {
		return fmt.Errorf("no output path")
	}
	out := args[len(args)-1]

	if Value(args, "-f") != "hls" {
		return afero.WriteFile(r.Fs, out, []byte("merged:"+strings.Join(Values(args, "-i"), "+")), 0644)
	}

	dir := filepath.Dir(out)
	manifest := r.Manifest
	if manifest == "" {
		manifest = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n" +
			"#EXTINF:10.000000,\nindex0.ts\n#EXTINF:4.500000,\nindex1.ts\n#EXT-X-ENDLIST\n"
		for i := 0; i < 2; i++ {
			if err := afero.WriteFile(r.Fs, filepath.Join(dir, fmt.Sprintf("index%d.ts", i)), []byte("ts"), 0644); err != nil {
				return err
			}
		}
	}
	return afero.WriteFile(r.Fs, out, []byte(manifest), 0644)
}

// Calls returns the recorded argument lists.
func (r *Runner) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

// Value returns the argument following the first occurrence of flag.
func Value(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// Values returns the arguments following every occurrence of flag.
func Values(args []string, flag string) []string {
	var out []string
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			out = append(out, args[i+1])
		}
	}
	return out
}
