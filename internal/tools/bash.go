package tools

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"
)

// RegisterBash adds a bash tool that runs a command through /bin/sh,
// graceful-terminating on context cancellation (SIGTERM, then SIGKILL after
// a grace period) the way a shell step executor does.
func RegisterBash(r *Registry, workdir string, timeout time.Duration) {
	r.Register(Descriptor{
		Name:        "bash",
		Description: "Run a shell command and capture its output and exit code.",
		Schema: Schema{
			Type: "object",
			Properties: map[string]Schema{
				"command": {Type: "string", Description: "the command to run via /bin/sh -c"},
			},
			Required: []string{"command"},
		},
	}, bashHandler(workdir, timeout))
}

func bashHandler(workdir string, timeout time.Duration) Handler {
	return func(ctx context.Context, in ExecuteInput) (ExecuteResult, error) {
		command, _ := in.Arguments["command"].(string)
		if command == "" {
			return ExecuteResult{ExitCode: -1, Error: "missing required argument: command"}, nil
		}

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		cmd := exec.Command("/bin/sh", "-c", command)
		dir := workdir
		if in.Context.WorkingDir != "" {
			dir = in.Context.WorkingDir
		}
		cmd.Dir = dir
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Start(); err != nil {
			return ExecuteResult{ExitCode: -1, Error: err.Error()}, nil
		}

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		var exitCode int
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
				select {
				case <-done:
				case <-time.After(3 * time.Second):
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
					<-done
				}
			}
			return ExecuteResult{Output: stdout.String(), ExitCode: -1, Error: ctx.Err().Error()}, nil
		case err := <-done:
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else {
					return ExecuteResult{Output: stdout.String(), ExitCode: -1, Error: err.Error()}, nil
				}
			}
		}

		out := stdout.String()
		if stderr.Len() > 0 {
			out += stderr.String()
		}
		return ExecuteResult{Output: out, ExitCode: exitCode}, nil
	}
}
