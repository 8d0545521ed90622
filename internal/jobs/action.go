package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"delayq/pkg/logx"
)

const (
	maxOutput = 4 << 10
	waitDelay = 2 * time.Second
)

var errNoCommand = errors.New("exec: empty command")

func (s *Service) defaultAction(ctx context.Context, d Def) (string, error) {
	switch d.Action {
	case ActionExec:
		return runCommand(ctx, d.Command)
	default:
		msg := d.Message
		if msg == "" {
			msg = "job fired"
		}
		s.log.Info(msg, logx.String("job", d.Name), logx.String("schedule", d.Schedule))
		return "", nil
	}
}

// runCommand runs argv without a shell. Output is capped at maxOutput bytes.
func runCommand(ctx context.Context, argv []string) (string, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return "", errNoCommand
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = waitDelay
	var out capped
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	text := strings.TrimSpace(out.String())
	if err != nil {
		if ctx.Err() != nil {
			return text, fmt.Errorf("%s: %w", argv[0], ctx.Err())
		}
		return text, fmt.Errorf("%s: %w", argv[0], err)
	}
	return text, nil
}

// capped keeps the first maxOutput bytes written to it.
type capped struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	room := maxOutput - c.buf.Len()
	if room <= 0 {
		c.truncated = len(p) > 0 || c.truncated
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capped) String() string {
	if c.truncated {
		return c.buf.String() + "...(truncated)"
	}
	return c.buf.String()
}
