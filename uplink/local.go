package uplink

import (
	"context"
	"io"
	"os/exec"
	"strings"
)

// Local runs commands on the control host through sh, so that shell
// operators such as && in an argument list keep their meaning.
type Local struct {
	// Output receives the combined stdout and stderr of every command.
	Output io.Writer
}

func (l *Local) Run(ctx context.Context, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", strings.Join(args, " "))
	return run(cmd, l.Output)
}

func (l *Local) Fetch(ctx context.Context, remotePath, localDir string) (int, error) {
	cmd := exec.CommandContext(ctx, "cp", "-R", remotePath, localDir)
	return run(cmd, l.Output)
}

func (l *Local) Shell(ctx context.Context, args []string, stdio Stdio) error {
	var cmd *exec.Cmd
	if len(args) == 0 {
		cmd = exec.CommandContext(ctx, "sh")
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", strings.Join(args, " "))
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdio.In, stdio.Out, stdio.Err
	return cmd.Run()
}

func (l *Local) String() string {
	return "local"
}
