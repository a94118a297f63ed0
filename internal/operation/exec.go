package operation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Command describes an external process.
type Command struct {
	// Argv is the program followed by its arguments.
	Argv []string

	// Stdin is fed to the process, if not empty.
	Stdin string

	// Env entries are appended to the inherited environment.
	Env []string

	Dir string
}

// ParseCommandLine splits a configured command line into an argv using
// shell quoting rules. Extra arguments are appended after the parsed words.
func ParseCommandLine(line string, extra ...string) ([]string, error) {
	words, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command line %q: %w", line, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command line")
	}
	return append(words, extra...), nil
}

// Exec returns a Runner that starts cmd and reports its exit code.
//
// A process that exits non-zero is a normal completion: the code is
// returned with a nil error. An error is only returned when the process
// could not be started or was killed because ctx was cancelled.
func Exec(cmd Command, logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context) (int, error) {
		if len(cmd.Argv) == 0 {
			return NotFinishedCode, fmt.Errorf("no program to run")
		}

		c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
		c.Dir = cmd.Dir
		if len(cmd.Env) > 0 {
			c.Env = append(c.Environ(), cmd.Env...)
		}
		if cmd.Stdin != "" {
			c.Stdin = strings.NewReader(cmd.Stdin)
		}
		var stdout, stderr bytes.Buffer
		c.Stdout = &stdout
		c.Stderr = &stderr

		err := c.Run()
		logger.Debug("process exited",
			"program", cmd.Argv[0],
			"stdout", stdout.String(),
			"stderr", stderr.String())

		if ctx.Err() != nil {
			return NotFinishedCode, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.Warn("process failed", "program", cmd.Argv[0], "code", exitErr.ExitCode())
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return NotFinishedCode, fmt.Errorf("failed to run %s: %w", cmd.Argv[0], err)
		}
		return 0, nil
	}
}
