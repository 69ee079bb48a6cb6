package uplink

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// SSH runs commands on a remote node through the ssh binary.
type SSH struct {
	User         string
	IdentityFile string
	// Host is consulted on every command, so an address assigned after the
	// uplink was created (for example by a cloud allocation) is picked up.
	Host   func() string
	Output io.Writer
}

func (s *SSH) target() (string, error) {
	host := s.Host()
	if host == "" {
		return "", fmt.Errorf("ssh uplink: node has no address yet")
	}
	if s.User == "" {
		return host, nil
	}
	return s.User + "@" + host, nil
}

// options returns the ssh options shared by commands, copies and shells.
func (s *SSH) options() []string {
	opts := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "LogLevel=ERROR",
	}
	if s.IdentityFile != "" {
		opts = append(opts, "-i", s.IdentityFile)
	}
	return opts
}

// sshArgs builds the argument list for a non-interactive remote command.
func (s *SSH) sshArgs(target string, args []string) []string {
	out := append([]string{"-n"}, s.options()...)
	out = append(out, target, "--")
	return append(out, args...)
}

func (s *SSH) Run(ctx context.Context, args []string) (int, error) {
	target, err := s.target()
	if err != nil {
		return -1, err
	}
	return run(exec.CommandContext(ctx, "ssh", s.sshArgs(target, args)...), s.Output)
}

func (s *SSH) Fetch(ctx context.Context, remotePath, localDir string) (int, error) {
	target, err := s.target()
	if err != nil {
		return -1, err
	}
	rsh := "ssh " + strings.Join(s.options(), " ")
	cmd := exec.CommandContext(ctx, "rsync", "-az", "-e", rsh, target+":"+remotePath, localDir)
	return run(cmd, s.Output)
}

func (s *SSH) Shell(ctx context.Context, args []string, stdio Stdio) error {
	target, err := s.target()
	if err != nil {
		return err
	}
	sshArgs := append([]string{"-t"}, s.options()...)
	sshArgs = append(sshArgs, target)
	if len(args) > 0 {
		sshArgs = append(sshArgs, "--")
		sshArgs = append(sshArgs, args...)
	}
	cmd := exec.CommandContext(ctx, "ssh", sshArgs...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdio.In, stdio.Out, stdio.Err
	return cmd.Run()
}

func (s *SSH) String() string {
	target, err := s.target()
	if err != nil {
		return "ssh(unassigned)"
	}
	return "ssh(" + target + ")"
}
