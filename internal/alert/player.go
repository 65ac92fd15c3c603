package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Player emits one sound cue.
type Player interface {
	Play(ctx context.Context) error
}

// PlayerFunc adapts a function to Player.
type PlayerFunc func(ctx context.Context) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context) error { return f(ctx) }

// NopPlayer plays nothing.
type NopPlayer struct{}

// Play does nothing.
func (NopPlayer) Play(context.Context) error { return nil }

// BellPlayer writes the terminal bell character.
type BellPlayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBellPlayer rings on w, or stdout when w is nil.
func NewBellPlayer(w io.Writer) *BellPlayer {
	if w == nil {
		w = os.Stdout
	}
	return &BellPlayer{w: w}
}

// Play writes BEL.
func (b *BellPlayer) Play(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := io.WriteString(b.w, "\a")
	return err
}

// ErrEmptyCommand is returned by NewCommandPlayer for a blank command line.
var ErrEmptyCommand = errors.New("alert: empty command")

// DefaultCommandTimeout bounds one CommandPlayer run.
const DefaultCommandTimeout = 5 * time.Second

// CommandPlayer runs an external command, e.g. "paplay /usr/share/sounds/notification.oga".
type CommandPlayer struct {
	name    string
	args    []string
	timeout time.Duration
}

// NewCommandPlayer splits line on whitespace into a program and arguments.
func NewCommandPlayer(line string, timeout time.Duration) (*CommandPlayer, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrEmptyCommand
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &CommandPlayer{name: fields[0], args: fields[1:], timeout: timeout}, nil
}

// Play runs the command and waits for it, up to the timeout.
func (p *CommandPlayer) Play(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.name, p.args...).CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%s: %w: %s", p.name, err, strings.TrimSpace(string(out)))
		}
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}

// NewPlayer picks the configured cue: command when set, else the bell when
// enabled, else silence. Bell output goes to w.
func NewPlayer(command string, bell bool, w io.Writer) (Player, error) {
	switch {
	case strings.TrimSpace(command) != "":
		return NewCommandPlayer(command, DefaultCommandTimeout)
	case bell:
		return NewBellPlayer(w), nil
	default:
		return NopPlayer{}, nil
	}
}
