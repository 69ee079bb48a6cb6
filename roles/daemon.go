package roles

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/fortressi/castle"
)

// Daemon is a long-running service installed on the nodes carrying the
// role. Command arguments may reference dynamic variables as %{name}.
type Daemon struct {
	Packages   []string   `json:"packages,omitempty"`
	Start      []string   `json:"start"`
	Stop       []string   `json:"stop,omitempty"`
	Status     []string   `json:"status,omitempty"`
	Logs       []string   `json:"logs,omitempty"`
	Port       int        `json:"port,omitempty"`
	StartAfter []string   `json:"startAfter,omitempty"`
	Retry      *RetrySpec `json:"retry,omitempty"`
}

func decodeDaemon(raw json.RawMessage) (castle.Role, error) {
	var r Daemon
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if len(r.Start) == 0 {
		return nil, castle.NewValidationError("daemon role has no start command")
	}
	return &r, nil
}

// ValidateRole checks that every startAfter entry names a daemon role of
// the cluster.
func (r *Daemon) ValidateRole(roleName string, cluster *castle.Cluster) error {
	for _, other := range r.StartAfter {
		role, err := cluster.Role(other)
		if err != nil {
			return castle.NewValidationError(fmt.Sprintf("role %s starts after %q: %v", roleName, other, err))
		}
		if _, ok := role.(*Daemon); !ok {
			return castle.NewValidationError(fmt.Sprintf("role %s starts after %q, which is not a daemon role", roleName, other))
		}
	}
	return nil
}

func (r *Daemon) Actions(roleName string, cluster *castle.Cluster) []castle.Action {
	onRole := castle.OnRole(roleName)

	// Start commands may reference the address of any node.
	startDeps := []castle.Dependency{
		castle.AfterOnNode(castle.AllOf(ActionUbuntuSetup)),
		castle.After(castle.AllOf(ActionAWSInit)),
	}
	for _, other := range r.StartAfter {
		startDeps = append(startDeps, castle.After(castle.NewTargetID(ActionDaemonStart, other)))
	}

	stopDeps := []castle.Dependency{castle.AfterOnNode(castle.NewTargetID(ActionSaveLogs, roleName))}
	for _, other := range dependentDaemons(roleName, cluster) {
		stopDeps = append(stopDeps, castle.After(castle.NewTargetID(ActionDaemonStop, other)))
	}

	return []castle.Action{
		castle.NewActionFunc(castle.NewActionID(ActionDaemonStart, roleName), onRole,
			r.run(roleName, (*Daemon).start),
			castle.WithPhases(castle.PhaseStart),
			castle.WithDependencies(startDeps...),
		),
		castle.NewActionFunc(castle.NewActionID(ActionDaemonStatus, roleName), onRole,
			r.run(roleName, (*Daemon).status),
			castle.WithPhases(castle.PhaseDaemonStatus),
		),
		castle.NewActionFunc(castle.NewActionID(ActionSaveLogs, roleName), onRole,
			r.run(roleName, (*Daemon).saveLogs),
			castle.WithPhases(castle.PhaseSaveLogs),
		),
		castle.NewActionFunc(castle.NewActionID(ActionDaemonStop, roleName), onRole,
			r.run(roleName, (*Daemon).stop),
			castle.WithPhases(castle.PhaseStop),
			castle.WithDependencies(stopDeps...),
		),
	}
}

// dependentDaemons returns the daemon roles that start after roleName, and
// so must stop before it.
func dependentDaemons(roleName string, cluster *castle.Cluster) []string {
	if cluster == nil {
		return nil
	}
	var out []string
	for _, name := range cluster.RoleNames() {
		role, err := cluster.Role(name)
		if err != nil {
			continue
		}
		if d, ok := role.(*Daemon); ok && slices.Contains(d.StartAfter, roleName) {
			out = append(out, name)
		}
	}
	return out
}

type daemonStep func(r *Daemon, ctx context.Context, cluster *castle.Cluster, node *castle.Node, roleName string) error

// run binds a step to the role as patched for the node it runs on.
func (r *Daemon) run(roleName string, step daemonStep) castle.RunFunc {
	return func(ctx context.Context, cluster *castle.Cluster, node *castle.Node) error {
		role, err := nodeRole[*Daemon](cluster, node, roleName)
		if err != nil {
			return err
		}
		return step(role, ctx, cluster, node, roleName)
	}
}

func (r *Daemon) command(ctx context.Context, cluster *castle.Cluster, node *castle.Node, args []string, policy castle.RetryPolicy) error {
	expanded, err := cluster.Variables().ExpandAll(args, cluster, node)
	if err != nil {
		return err
	}
	return policy.Run(ctx, node, expanded)
}

func (r *Daemon) start(ctx context.Context, cluster *castle.Cluster, node *castle.Node, roleName string) error {
	log := node.Logger()
	if len(r.Packages) > 0 {
		install := append([]string{"sudo", "apt-get", "install", "-y"}, r.Packages...)
		if err := r.command(ctx, cluster, node, install, castle.AptRetryPolicy()); err != nil {
			return err
		}
	}
	log.Info("starting daemon", "role", roleName, "node", node.Name())
	if err := r.command(ctx, cluster, node, r.Start, r.Retry.policy(castle.NoRetry())); err != nil {
		return err
	}
	log.Info("started daemon", "role", roleName, "node", node.Name())
	return nil
}

func (r *Daemon) status(ctx context.Context, cluster *castle.Cluster, node *castle.Node, roleName string) error {
	if len(r.Status) == 0 {
		return nil
	}
	err := r.command(ctx, cluster, node, r.Status, castle.NoRetry())
	state := "running"
	if err != nil {
		state = "not running"
	}
	cluster.Logger().Info("daemon status", "role", roleName, "node", node.Name(), "status", state)
	return err
}

func (r *Daemon) saveLogs(ctx context.Context, cluster *castle.Cluster, node *castle.Node, roleName string) error {
	if len(r.Logs) == 0 {
		return nil
	}
	dir := filepath.Join(cluster.LogDir(), node.Name())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory for %s: %w", node.Name(), err)
	}
	for _, path := range r.Logs {
		remote, err := cluster.Expand(path, node)
		if err != nil {
			return err
		}
		code, err := node.Uplink().Fetch(ctx, remote, dir)
		if err != nil {
			return fmt.Errorf("fetch %s from %s: %w", remote, node.Name(), err)
		}
		if code != 0 {
			return castle.CommandFailed([]string{"fetch", remote, dir}, code)
		}
	}
	node.Logger().Info("saved daemon logs", "role", roleName, "node", node.Name(), "dir", dir)
	return nil
}

func (r *Daemon) stop(ctx context.Context, cluster *castle.Cluster, node *castle.Node, roleName string) error {
	if len(r.Stop) == 0 {
		return nil
	}
	node.Logger().Info("stopping daemon", "role", roleName, "node", node.Name())
	return r.command(ctx, cluster, node, r.Stop, r.Retry.policy(castle.NoRetry()))
}

// RegisterVariables provides <role>Nodes, the comma separated hostnames of
// the role's nodes, and <role>Connect, the same list with the daemon port.
func (r *Daemon) RegisterVariables(roleName string, vars *castle.VariableRegistry) error {
	nodes := castle.NewProvider(castle.PriorityRole, func(cluster *castle.Cluster, _ *castle.Node) (string, error) {
		var hosts []string
		for _, n := range cluster.NodesWithRole(roleName) {
			hosts = append(hosts, n.Hostname())
		}
		return strings.Join(hosts, ","), nil
	})
	if err := vars.Register(roleName+"Nodes", nodes); err != nil {
		return err
	}
	if r.Port == 0 {
		return nil
	}
	port := strconv.Itoa(r.Port)
	connect := castle.NewProvider(castle.PriorityRole, func(cluster *castle.Cluster, _ *castle.Node) (string, error) {
		var addrs []string
		for _, n := range cluster.NodesWithRole(roleName) {
			addrs = append(addrs, n.Hostname()+":"+port)
		}
		return strings.Join(addrs, ","), nil
	})
	return vars.Register(roleName+"Connect", connect)
}
