package vyper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/google/shlex"
)

// Executor runs a compiler command with stdin and collects its output.
// A non-zero exit is reported through *ExitError, with stdout and stderr still returned.
type Executor interface {
	Exec(ctx context.Context, stdin []byte, argv []string) (stdout, stderr []byte, err error)
}

// ExitError reports a command that ran but exited with a non-zero status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// SplitCommand splits a configured command line the way a POSIX shell would.
func SplitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return argv, nil
}

// Process runs commands as local child processes.
type Process struct{}

var _ Executor = Process{}

func (Process) Exec(ctx context.Context, stdin []byte, argv []string) ([]byte, []byte, error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), &ExitError{Code: exitErr.ExitCode()}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}
