package castle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/fortressi/castle/uplink"
)

// Cluster is the set of nodes of one run together with the resolved
// configuration. It is created once per run and must be closed at the end
// of it, whatever the outcome.
type Cluster struct {
	workDir string
	logger  *slog.Logger
	roles   *RoleRegistry
	vars    *VariableRegistry

	nodes map[string]*Node
	names []string

	mu   sync.Mutex // guards spec
	spec *ClusterSpec

	closers []io.Closer
}

type clusterOptions struct {
	logger   *slog.Logger
	uplinks  func(node *Node) uplink.Uplink
	nodeLogs bool
}

// ClusterOption configures NewCluster.
type ClusterOption func(*clusterOptions)

// WithClusterLogger sets the cluster-wide logger.
func WithClusterLogger(logger *slog.Logger) ClusterOption {
	return func(o *clusterOptions) { o.logger = logger }
}

// WithUplinks overrides the uplink of every node, after roles had their say.
func WithUplinks(fn func(node *Node) uplink.Uplink) ClusterOption {
	return func(o *clusterOptions) { o.uplinks = fn }
}

// WithoutNodeLogs discards node logs instead of writing them under the
// working directory.
func WithoutNodeLogs() ClusterOption {
	return func(o *clusterOptions) { o.nodeLogs = false }
}

// NewCluster builds the nodes described by spec. Node logs are written to
// <workDir>/logs/<node>.log.
func NewCluster(spec *ClusterSpec, workDir string, roles *RoleRegistry, opts ...ClusterOption) (*Cluster, error) {
	o := clusterOptions{logger: slog.Default(), nodeLogs: true}
	for _, opt := range opts {
		opt(&o)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	c := &Cluster{
		workDir: workDir,
		logger:  o.logger,
		roles:   roles,
		vars:    NewVariableRegistry(),
		nodes:   make(map[string]*Node, len(spec.Nodes)),
		names:   spec.NodeNames(),
		spec:    spec.Clone(),
	}
	if o.nodeLogs {
		if err := os.MkdirAll(c.LogDir(), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	for _, name := range c.names {
		var out io.Writer = io.Discard
		if o.nodeLogs {
			f, err := os.OpenFile(filepath.Join(c.LogDir(), name+".log"),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				c.Close()
				return nil, fmt.Errorf("open log for node %s: %w", name, err)
			}
			c.closers = append(c.closers, f)
			out = f
		}
		c.nodes[name] = NewNode(name, spec.Nodes[name].RoleNames, out)
	}

	if err := c.validateRoles(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.initNodes(o.uplinks); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.registerVariables(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cluster) validateRoles() error {
	for _, roleName := range c.RoleNames() {
		role, err := c.Role(roleName)
		if err != nil {
			return fmt.Errorf("role %s: %w", roleName, err)
		}
		if v, ok := role.(RoleValidator); ok {
			if err := v.ValidateRole(roleName, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cluster) initNodes(uplinks func(node *Node) uplink.Uplink) error {
	for _, node := range c.Nodes() {
		for _, roleName := range node.Roles() {
			role, err := c.NodeRole(node, roleName)
			if err != nil {
				return err
			}
			if ni, ok := role.(NodeInitializer); ok {
				if err := ni.InitNode(node); err != nil {
					return fmt.Errorf("init node %s for role %s: %w", node.Name(), roleName, err)
				}
			}
		}
		if uplinks != nil {
			node.SetUplink(uplinks(node))
		}
	}
	return nil
}

func (c *Cluster) registerVariables() error {
	builtins := map[string]DynamicVariableProvider{
		"nodeName": NewProvider(PriorityBuiltin, func(_ *Cluster, node *Node) (string, error) {
			if node == nil {
				return "", errors.New("nodeName requires a node")
			}
			return node.Name(), nil
		}),
		"hostname": NewProvider(PriorityBuiltin, func(_ *Cluster, node *Node) (string, error) {
			if node == nil {
				return "", errors.New("hostname requires a node")
			}
			return node.Hostname(), nil
		}),
		"workDir": NewProvider(PriorityBuiltin, func(cluster *Cluster, _ *Node) (string, error) {
			return cluster.WorkDir(), nil
		}),
	}
	for name, p := range builtins {
		if err := c.vars.Register(name, p); err != nil {
			return err
		}
	}

	for _, roleName := range c.RoleNames() {
		role, err := c.Role(roleName)
		if err != nil {
			return fmt.Errorf("role %s: %w", roleName, err)
		}
		if src, ok := role.(VariableSource); ok {
			if err := src.RegisterVariables(roleName, c.vars); err != nil {
				return fmt.Errorf("role %s variables: %w", roleName, err)
			}
		}
	}

	for name, value := range c.spec.Conf.Variables {
		if err := c.vars.Register(name, ConstantProvider(PriorityConfig, value)); err != nil {
			return err
		}
	}
	return nil
}

// RegisterActions declares every action type of the role variants and
// registers the actions of every role defined in the cluster.
func (c *Cluster) RegisterActions(registry *ActionRegistry) error {
	for _, typ := range c.roles.ActionTypes() {
		if err := registry.RegisterType(typ); err != nil {
			return err
		}
	}
	for _, roleName := range c.RoleNames() {
		role, err := c.Role(roleName)
		if err != nil {
			return fmt.Errorf("role %s: %w", roleName, err)
		}
		for _, action := range role.Actions(roleName, c) {
			if err := registry.Register(action); err != nil {
				return err
			}
		}
	}
	return nil
}

// Nodes returns the nodes ordered by name.
func (c *Cluster) Nodes() []*Node {
	out := make([]*Node, len(c.names))
	for i, name := range c.names {
		out[i] = c.nodes[name]
	}
	return out
}

func (c *Cluster) Node(name string) (*Node, bool) {
	n, ok := c.nodes[name]
	return n, ok
}

// NodesWithRole returns the nodes carrying role, ordered by name.
func (c *Cluster) NodesWithRole(role string) []*Node {
	var out []*Node
	for _, n := range c.Nodes() {
		if n.HasRole(role) {
			out = append(out, n)
		}
	}
	return out
}

// RoleNames returns the names of the roles defined by the spec, sorted.
func (c *Cluster) RoleNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.spec.Roles))
	for name := range c.spec.Roles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Role decodes the definition of roleName, without any node patch.
func (c *Cluster) Role(roleName string) (Role, error) {
	c.mu.Lock()
	raw, ok := c.spec.Roles[roleName]
	c.mu.Unlock()
	if !ok {
		return nil, validationErrorf("undefined role %q", roleName)
	}
	return c.roles.Decode(raw)
}

// NodeRole decodes role as configured for node, per-node patch included.
func (c *Cluster) NodeRole(node *Node, roleName string) (Role, error) {
	c.mu.Lock()
	raw, err := c.spec.NodeRoleJSON(node.Name(), roleName)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.roles.Decode(raw)
}

// PatchNodeRole records a JSON merge patch for role on node. The patch is
// merged into any patch recorded earlier; null values remove fields.
func (c *Cluster) PatchNodeRole(node *Node, roleName string, patch any) error {
	data, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal role patch: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ns, ok := c.spec.Nodes[node.Name()]
	if !ok {
		return fmt.Errorf("unknown node %s", node.Name())
	}
	if prev, ok := ns.RolePatches[roleName]; ok && len(prev) > 0 {
		if data, err = jsonpatch.MergeMergePatches(prev, data); err != nil {
			return fmt.Errorf("merge role patch: %w", err)
		}
	}
	ns.RolePatches = clonePatches(ns.RolePatches)
	if ns.RolePatches == nil {
		ns.RolePatches = map[string]json.RawMessage{}
	}
	ns.RolePatches[roleName] = data
	c.spec.Nodes[node.Name()] = ns
	return nil
}

// Spec returns a copy of the current spec, role patches recorded during the
// run included.
func (c *Cluster) Spec() *ClusterSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.Clone()
}

func (c *Cluster) Variables() *VariableRegistry {
	return c.vars
}

// Expand renders template with the cluster's dynamic variables.
func (c *Cluster) Expand(template string, node *Node) (string, error) {
	return c.vars.Expand(template, c, node)
}

func (c *Cluster) WorkDir() string {
	return c.workDir
}

// LogDir is where node logs and fetched daemon logs are kept.
func (c *Cluster) LogDir() string {
	return filepath.Join(c.workDir, "logs")
}

func (c *Cluster) Logger() *slog.Logger {
	return c.logger
}

// GlobalTimeout returns the deadline of a run on this cluster.
func (c *Cluster) GlobalTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.Conf.Timeout()
}

// MaxConcurrentActions returns the configured concurrency, or 0 if unset.
func (c *Cluster) MaxConcurrentActions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spec.Conf.MaxConcurrentActions
}

func (c *Cluster) String() string {
	return "cluster(" + strings.Join(c.names, ",") + ")"
}

// Close releases the node logs. It is safe to call more than once.
func (c *Cluster) Close() error {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	var errs []error
	for _, cl := range closers {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}
