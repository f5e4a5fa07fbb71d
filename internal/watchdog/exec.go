package watchdog

import (
	"errors"
	"os/exec"
)

// CommandRunner launches the daemon as a child process. Each call to the
// launcher must produce a fresh instance; an exec.Cmd cannot be reused.
type CommandRunner struct {
	Path string
	Args []string
	Dir  string

	cmd *exec.Cmd
}

// Start launches the child.
func (r *CommandRunner) Start() error {
	r.cmd = exec.Command(r.Path, r.Args...)
	r.cmd.Dir = r.Dir
	return r.cmd.Start()
}

// Wait blocks until the child exits. Returns -1 when the exit code is
// unknown (e.g. killed by signal); the distinction is preserved upstream.
func (r *CommandRunner) Wait() (int, error) {
	err := r.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
