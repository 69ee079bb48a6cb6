// Package uplink carries commands from the control process to a node.
//
// An uplink never treats a nonzero exit status as an error: the status is
// returned to the caller, which decides what it means. Only a failure to
// start or observe the process is reported as an error.
package uplink

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
)

// Uplink is the execution channel to one node. Implementations are not
// required to support concurrent use; the scheduler never runs two units on
// the same node at once.
type Uplink interface {
	// Run executes args on the node and returns its exit status.
	Run(ctx context.Context, args []string) (int, error)
	// Fetch copies remotePath from the node into localDir.
	Fetch(ctx context.Context, remotePath, localDir string) (int, error)
	// Shell attaches stdio to an interactive session, or to args when given.
	Shell(ctx context.Context, args []string, stdio Stdio) error
	String() string
}

// Stdio is the terminal an interactive session is attached to.
type Stdio struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdStreams returns the process' own standard streams.
func StdStreams() Stdio {
	return Stdio{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// exitStatus converts the result of exec.Cmd.Run into an exit status.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func run(cmd *exec.Cmd, out io.Writer) (int, error) {
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out
	return exitStatus(cmd.Run())
}
