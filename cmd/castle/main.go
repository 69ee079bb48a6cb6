package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fortressi/castle"
	"github.com/fortressi/castle/ctxlog"
	"github.com/fortressi/castle/roles"
	"github.com/fortressi/castle/uplink"
)

// Environment variables providing flag defaults.
const (
	envClusterPath   = castle.EnvPrefix + "CLUSTER_INPUT_PATH"
	envTargets       = castle.EnvPrefix + "TARGETS"
	envWorkDir       = castle.EnvPrefix + "WORKING_DIRECTORY"
	envVerbose       = castle.EnvPrefix + "VERBOSE"
	envMaxConcurrent = castle.EnvPrefix + "MAX_CONCURRENT_ACTIONS"
)

const defaultMaxConcurrent = 6

// sshTarget bypasses the scheduler and talks to nodes directly.
const sshTarget = "ssh"

const description = `The castle cluster tool.

Valid targets:
up:                 Bring up all nodes.
  init:             Allocate nodes.
  setup:            Set up all nodes.
  start:            Start the system.

status:             Get the system status.
  daemonStatus:     Get the status of system daemons.

down:               Bring down all nodes.
  saveLogs:         Save the system logs.
  stop:             Stop the system.
  destroy:          Deallocate nodes.

type[:scope]:       Run one action type, e.g. daemonStart:kafka.

ssh [nodes] [cmd]:  Ssh to the given node(s).`

type options struct {
	clusterPath   string
	workDir       string
	verbose       bool
	maxConcurrent int

	// maxConcurrentSet is true when the flag or its environment variable
	// was given, so the cluster spec's value does not apply.
	maxConcurrentSet bool
	roleOpts         []roles.Option
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := buildRoot(os.LookupEnv)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Exiting with error: %v\n", err)
		os.Exit(1)
	}
}

func buildRoot(lookupEnv func(string) (string, bool)) *cobra.Command {
	env := func(name, def string) string {
		if v, ok := lookupEnv(name); ok {
			return v
		}
		return def
	}
	var opts options
	var envErr error

	verboseDefault := false
	if v, ok := lookupEnv(envVerbose); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			envErr = fmt.Errorf("unable to parse %s=%q: %w", envVerbose, v, err)
		}
		verboseDefault = b
	}
	maxDefault := defaultMaxConcurrent
	if v, ok := lookupEnv(envMaxConcurrent); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			envErr = fmt.Errorf("unable to parse %s=%q: %w", envMaxConcurrent, v, err)
		}
		maxDefault = n
		opts.maxConcurrentSet = true
	}

	root := &cobra.Command{
		Use:           "castle [flags] target...",
		Short:         "Provision and operate ephemeral clusters",
		Long:          description,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if cmd.Flags().Changed("max-concurrent-actions") {
				opts.maxConcurrentSet = true
			}
			targets := args
			if len(targets) == 0 {
				targets = splitTargets(env(envTargets, ""))
			}
			if len(targets) == 0 {
				return cmd.Help()
			}
			return run(cmd.Context(), opts, targets, cmd.OutOrStdout())
		},
	}

	flags := root.Flags()
	flags.StringVarP(&opts.clusterPath, "cluster", "c", env(envClusterPath, ""), "the cluster file to use")
	flags.StringVarP(&opts.workDir, "working-directory", "w", env(envWorkDir, ""),
		"the output path to store logs, cluster files, and other outputs in")
	flags.BoolVarP(&opts.verbose, "verbose", "v", verboseDefault, "enable verbose logging")
	flags.IntVarP(&opts.maxConcurrent, "max-concurrent-actions", "m", maxDefault,
		"the maximum number of concurrent actions to allow")
	// Everything after the first target belongs to the targets, so that
	// "castle ssh node0 ls -l" passes -l to ls.
	flags.SetInterspersed(false)
	return root
}

func splitTargets(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

func newLogger(out io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// loadSpec resolves the cluster spec of the run and keeps the canonical copy
// in the working directory up to date.
func loadSpec(logger *slog.Logger, opts options) (*castle.ClusterSpec, string, error) {
	canonical := filepath.Join(opts.workDir, castle.ClusterFileName)
	_, statErr := os.Stat(canonical)
	switch {
	case statErr == nil:
		old, err := castle.LoadClusterSpec(canonical)
		if err != nil {
			return nil, "", err
		}
		if opts.clusterPath == "" {
			return old, canonical, nil
		}
		next, err := castle.LoadClusterSpec(opts.clusterPath)
		if err != nil {
			return nil, "", err
		}
		merged, changed := castle.MergeClusterSpecs(old, next)
		if changed {
			logger.Info("merging new cluster data", "from", opts.clusterPath, "into", canonical)
			if err := castle.SaveClusterSpec(canonical, merged); err != nil {
				return nil, "", err
			}
		}
		return merged, canonical, nil
	case !errors.Is(statErr, os.ErrNotExist):
		return nil, "", statErr
	case opts.clusterPath == "":
		return nil, "", errors.New("you must specify a cluster with -c or " + envClusterPath)
	}
	spec, err := castle.LoadClusterSpec(opts.clusterPath)
	if err != nil {
		return nil, "", err
	}
	if err := castle.SaveClusterSpec(canonical, spec); err != nil {
		return nil, "", err
	}
	return spec, canonical, nil
}

func run(ctx context.Context, opts options, targets []string, out io.Writer) error {
	if opts.workDir == "" {
		return errors.New("you must specify the working directory with -w or " + envWorkDir)
	}
	if err := os.MkdirAll(opts.workDir, 0o755); err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	logger := newLogger(out, opts.verbose)
	ctx = ctxlog.WithLogger(ctx, logger)

	spec, canonical, err := loadSpec(logger, opts)
	if err != nil {
		return err
	}
	roleRegistry, err := roles.NewRegistry(opts.roleOpts...)
	if err != nil {
		return err
	}
	cluster, err := castle.NewCluster(spec, opts.workDir, roleRegistry, castle.WithClusterLogger(logger))
	if err != nil {
		return err
	}
	defer cluster.Close()

	if targets[0] == sshTarget {
		return runSSH(ctx, cluster, targets[1:], out)
	}
	if slices.Contains(targets, sshTarget) {
		return fmt.Errorf("%q must be the first target, followed by the nodes and command", sshTarget)
	}

	maxConcurrent := opts.maxConcurrent
	if !opts.maxConcurrentSet && cluster.MaxConcurrentActions() > 0 {
		maxConcurrent = cluster.MaxConcurrentActions()
	}
	runErr := runScheduler(ctx, cluster, targets, maxConcurrent)

	if err := castle.SaveClusterSpec(canonical, cluster.Spec()); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func runScheduler(ctx context.Context, cluster *castle.Cluster, targets []string, maxConcurrent int) error {
	logger := ctxlog.FromContext(ctx)
	registry := castle.NewActionRegistry()
	if err := cluster.RegisterActions(registry); err != nil {
		return err
	}
	scheduler, err := castle.NewScheduler(cluster, targets, registry, maxConcurrent)
	if err != nil {
		return err
	}
	defer scheduler.Close()

	if dot, err := scheduler.DOT(); err == nil {
		if err := os.WriteFile(filepath.Join(cluster.WorkDir(), "plan.dot"), []byte(dot), 0o644); err != nil {
			logger.Warn("failed to write plan", "error", err)
		}
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	report, runErr := scheduler.Await(cluster.GlobalTimeout())
	scheduler.Close()

	if report != nil {
		store, err := castle.NewFileRunStore(filepath.Join(cluster.WorkDir(), "runs"))
		if err == nil {
			err = store.Save(ctx, report.Record())
		}
		if err != nil {
			logger.Warn("failed to save run record", "run", report.RunID.String(), "error", err)
		}
	}
	return runErr
}

// runSSH implements "ssh [nodes] [cmd...]". Nodes are a comma separated
// list or "all". Without a command it opens a shell on a single node.
func runSSH(ctx context.Context, cluster *castle.Cluster, args []string, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("ssh: name the node(s) to connect to; nodes are %s", cluster)
	}
	nodes, err := selectNodes(cluster, args[0])
	if err != nil {
		return err
	}
	command := args[1:]
	if len(command) == 0 {
		if len(nodes) != 1 {
			return fmt.Errorf("ssh: an interactive session needs exactly one node, got %d", len(nodes))
		}
		return nodes[0].Uplink().Shell(ctx, nil, uplink.StdStreams())
	}

	// A failing node must not cut short the command on the others.
	w := &syncWriter{w: out}
	errs := make([]error, len(nodes))
	var g errgroup.Group
	for i, node := range nodes {
		g.Go(func() error {
			stdio := uplink.Stdio{Out: w, Err: w}
			if err := node.Uplink().Shell(ctx, command, stdio); err != nil {
				errs[i] = fmt.Errorf("ssh %s: %w", node.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func selectNodes(cluster *castle.Cluster, spec string) ([]*castle.Node, error) {
	if spec == castle.Wildcard {
		return cluster.Nodes(), nil
	}
	var nodes []*castle.Node
	for _, name := range strings.Split(spec, ",") {
		node, ok := cluster.Node(name)
		if !ok {
			return nil, fmt.Errorf("ssh: unknown node %q", name)
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
