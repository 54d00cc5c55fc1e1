// Package command runs allow-listed external programs as scheduled tasks.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"maintflow/internal/domain"
	"maintflow/internal/worker"
)

// WorkerName is the handler name command tasks are scheduled under.
const WorkerName = "command"

// MaxOutput is how much combined output is kept per run.
const MaxOutput = 64 << 10

const defaultWaitDelay = 10 * time.Second

type Command struct {
	allow     map[string]struct{}
	waitDelay time.Duration
	log       zerolog.Logger
}

// Params are the task options of a command task.
type Params struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
}

type Output struct {
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

type Option func(*Command)

// WithWaitDelay sets how long an interrupted program may take to exit before
// it is killed.
func WithWaitDelay(d time.Duration) Option {
	return func(c *Command) { c.waitDelay = d }
}

// New builds the handler. Only programs named in allow may run; an empty list
// allows nothing.
func New(allow []string, log zerolog.Logger, opts ...Option) *Command {
	c := &Command{
		allow:     make(map[string]struct{}, len(allow)),
		waitDelay: defaultWaitDelay,
		log:       log.With().Str("component", "command_worker").Logger(),
	}
	for _, a := range allow {
		c.allow[a] = struct{}{}
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Validate checks params without running anything.
func (c *Command) Validate(p Params) error {
	if p.Command == "" {
		return domain.Invalidf("command is required")
	}
	if _, ok := c.allow[p.Command]; !ok {
		return domain.Invalidf("command %q is not allowed", p.Command)
	}
	if p.Dir != "" && !filepath.IsAbs(p.Dir) {
		return domain.Invalidf("dir %q must be absolute", p.Dir)
	}
	return nil
}

func (c *Command) Handle(ctx context.Context, opts domain.Options) (json.RawMessage, error) {
	var p Params
	if err := opts.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode command options: %w", err)
	}
	if err := c.Validate(p); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	// Give the program a chance to stop cleanly when the task is aborted.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = c.waitDelay

	buf := &limitedBuffer{max: MaxOutput}
	cmd.Stdout = buf
	cmd.Stderr = buf

	log := c.log.With().Str("task_id", worker.TaskID(ctx)).Str("command", p.Command).Logger()
	log.Info().Strs("args", p.Args).Msg("running command")
	err := cmd.Run()

	out := Output{Output: buf.String(), Truncated: buf.truncated}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return nil, fmt.Errorf("command exited with code %d: %s", out.ExitCode, tail(out.Output, 512))
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("run command: %w", err)
	}
	log.Info().Int("exit_code", out.ExitCode).Msg("command finished")
	return json.Marshal(out)
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.max - b.Len(); room < len(p) {
		b.truncated = true
		if room <= 0 {
			return n, nil
		}
		p = p[:room]
	}
	b.Buffer.Write(p)
	return n, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
