package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/cjeanneret/RingScan/internal/debug"
)

// ErrNoFrame is returned when a capture finished but no file was written.
var ErrNoFrame = errors.New("camera: no frame written")

// FrameSource is the high-level interface used by the rest of the
// application: capture one frame into path. The call is synchronous, the
// file exists when it returns nil.
type FrameSource interface {
	SaveFrame(ctx context.Context, path string) error
}

// Exec captures by running an external grabber, e.g.
//
//	ffmpeg -y -f v4l2 -video_size 4000x3000 -i /dev/video0 -frames:v 1 {path}
//
// Every "{path}" in the argument template is replaced by the target file.
type Exec struct {
	argv    []string
	timeout time.Duration
}

// NewExec parses a whitespace separated command template.
func NewExec(command string, timeout time.Duration) (*Exec, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("camera: empty command")
	}
	return &Exec{argv: argv, timeout: timeout}, nil
}

// SaveFrame runs the grabber once.
func (e *Exec) SaveFrame(ctx context.Context, path string) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	args := make([]string, len(e.argv)-1)
	for i, a := range e.argv[1:] {
		args[i] = strings.ReplaceAll(a, "{path}", path)
	}
	debug.Trace("camera exec: %s %s", e.argv[0], strings.Join(args, " "))

	out, err := exec.CommandContext(ctx, e.argv[0], args...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("camera: capture %s: %w", path, ctx.Err())
		}
		return fmt.Errorf("camera: capture %s: %w: %s", path, err, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%w: %s", ErrNoFrame, path)
	}
	return nil
}
