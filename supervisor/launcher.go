package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Proc is a handle to one spawned child. The pipes returned here belong to
// the child instance, not to the session: a terminated child tears down its
// own pipes and nothing else.
type Proc interface {
	// Stdin is the child's input pipe. Closing it signals EOF to the child.
	Stdin() io.WriteCloser
	// Stdout carries the child's protocol output.
	Stdout() io.Reader
	// Stderr carries the child's diagnostics output.
	Stderr() io.Reader
	// Wait blocks until the child terminates and returns its exit code.
	Wait(ctx context.Context) (int, error)
	// Pid reports the OS process ID.
	Pid() int
}

// Launcher starts one child process wired to fresh pipes.
type Launcher interface {
	Launch(ctx context.Context) (Proc, error)
}

// ExecLauncher launches a local command.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
	Dir     string
}

type waitResult struct {
	code int
	err  error
}

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	waitCh chan waitResult
}

// Launch starts the command with its three streams piped back to the caller.
// A goroutine waits on the process and classifies *exec.ExitError into an
// exit code; another kills the child if ctx is canceled while it still runs.
func (l *ExecLauncher) Launch(ctx context.Context) (Proc, error) {
	cmd := exec.Command(l.Command, l.Args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Dir = l.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting child: %w", err)
	}

	waitCh := make(chan waitResult, 1)
	procExited := make(chan struct{})
	go func() {
		exitCode := 0
		var resultErr error
		err := cmd.Wait()
		close(procExited)
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				resultErr = err
				exitCode = -1
			}
		}
		waitCh <- waitResult{code: exitCode, err: resultErr}
	}()

	// kill the child if the proxy is torn down while it is still running
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-procExited:
		}
	}()

	return &execProc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		waitCh: waitCh,
	}, nil
}

func (p *execProc) Stdin() io.WriteCloser { return p.stdin }
func (p *execProc) Stdout() io.Reader     { return p.stdout }
func (p *execProc) Stderr() io.Reader     { return p.stderr }
func (p *execProc) Pid() int              { return p.cmd.Process.Pid }

func (p *execProc) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-p.waitCh:
		return res.code, res.err
	}
}
