package castle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	jsonpatch "gopkg.in/evanphx/json-patch.v4"
	"gopkg.in/yaml.v3"
)

// ClusterFileName is the name of the canonical cluster spec kept in the
// working directory.
const ClusterFileName = "castle_cluster.json"

// EnvPrefix prefixes every environment variable castle reads, including the
// ones a cluster spec may reference.
const EnvPrefix = "CASTLE_"

// DefaultGlobalTimeout bounds a run when the spec does not.
const DefaultGlobalTimeout = time.Hour

// ClusterSpec is the parsed cluster specification.
type ClusterSpec struct {
	Conf  ClusterConf                `json:"conf"`
	Nodes map[string]NodeSpec        `json:"nodes"`
	Roles map[string]json.RawMessage `json:"roles"`
}

// ClusterConf is the cluster-wide configuration block.
type ClusterConf struct {
	// GlobalTimeout is in seconds.
	GlobalTimeout        int               `json:"globalTimeout,omitempty"`
	MaxConcurrentActions int               `json:"maxConcurrentActions,omitempty"`
	Variables            map[string]string `json:"variables,omitempty"`
}

// NodeSpec assigns roles to one node. RolePatches holds per-node JSON merge
// patches keyed by role name.
type NodeSpec struct {
	RoleNames   []string                   `json:"roleNames"`
	RolePatches map[string]json.RawMessage `json:"rolePatches,omitempty"`
}

// Timeout returns the global timeout of the run.
func (c ClusterConf) Timeout() time.Duration {
	if c.GlobalTimeout <= 0 {
		return DefaultGlobalTimeout
	}
	return time.Duration(c.GlobalTimeout) * time.Second
}

// NodeNames returns the node names in sorted order.
func (s *ClusterSpec) NodeNames() []string {
	return slices.Sorted(maps.Keys(s.Nodes))
}

// Validate checks that every node references defined roles.
func (s *ClusterSpec) Validate() error {
	if len(s.Nodes) == 0 {
		return NewValidationError("cluster spec defines no nodes")
	}
	for _, name := range s.NodeNames() {
		node := s.Nodes[name]
		for _, role := range node.RoleNames {
			if _, ok := s.Roles[role]; !ok {
				return validationErrorf("node %q references undefined role %q", name, role)
			}
		}
		for role := range node.RolePatches {
			if !slices.Contains(node.RoleNames, role) {
				return validationErrorf("node %q patches role %q it does not carry", name, role)
			}
		}
	}
	return nil
}

// NodeRoleJSON returns the definition of role as seen by node: the role's
// JSON with the node's patch for it applied.
func (s *ClusterSpec) NodeRoleJSON(node, role string) (json.RawMessage, error) {
	raw, ok := s.Roles[role]
	if !ok {
		return nil, validationErrorf("undefined role %q", role)
	}
	patch, ok := s.Nodes[node].RolePatches[role]
	if !ok || len(patch) == 0 {
		return raw, nil
	}
	merged, err := jsonpatch.MergePatch(raw, patch)
	if err != nil {
		return nil, fmt.Errorf("apply %s patch for node %s: %w", role, node, err)
	}
	return merged, nil
}

// Clone returns a deep copy of the spec.
func (s *ClusterSpec) Clone() *ClusterSpec {
	out := &ClusterSpec{
		Conf: ClusterConf{
			GlobalTimeout:        s.Conf.GlobalTimeout,
			MaxConcurrentActions: s.Conf.MaxConcurrentActions,
			Variables:            maps.Clone(s.Conf.Variables),
		},
		Nodes: make(map[string]NodeSpec, len(s.Nodes)),
		Roles: make(map[string]json.RawMessage, len(s.Roles)),
	}
	for name, node := range s.Nodes {
		out.Nodes[name] = NodeSpec{
			RoleNames:   slices.Clone(node.RoleNames),
			RolePatches: clonePatches(node.RolePatches),
		}
	}
	for name, raw := range s.Roles {
		out.Roles[name] = slices.Clone(raw)
	}
	return out
}

func clonePatches(in map[string]json.RawMessage) map[string]json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

// MergeClusterSpecs combines a newly supplied spec, next, with the persisted
// one. When the configuration or the role definitions differ, the result takes
// the new configuration, roles and node-to-role assignments wholesale while
// keeping the per-node role patches recorded in old, and the second result
// is true. Otherwise a copy of old is returned. Neither argument is modified.
func MergeClusterSpecs(old, next *ClusterSpec) (*ClusterSpec, bool) {
	if old == nil {
		return next.Clone(), true
	}
	if canonicalEqual(old.Conf, next.Conf) && rolesEqual(old.Roles, next.Roles) {
		return old.Clone(), false
	}
	merged := next.Clone()
	for name, node := range merged.Nodes {
		if prev, ok := old.Nodes[name]; ok {
			node.RolePatches = clonePatches(prev.RolePatches)
		} else {
			node.RolePatches = nil
		}
		merged.Nodes[name] = node
	}
	return merged, true
}

func rolesEqual(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for name, ra := range a {
		rb, ok := b[name]
		if !ok || !jsonpatch.Equal(ra, rb) {
			return false
		}
	}
	return true
}

func canonicalEqual(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// LoadClusterSpec reads a JSON or YAML cluster spec, expanding ${CASTLE_*}
// environment references in string values.
func LoadClusterSpec(path string) (*ClusterSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster spec: %w", err)
	}
	var tree any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &tree)
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		err = dec.Decode(&tree)
	}
	if err != nil {
		return nil, fmt.Errorf("parse cluster spec %s: %w", path, err)
	}
	return decodeClusterSpec(tree, os.LookupEnv)
}

func decodeClusterSpec(tree any, lookup func(string) (string, bool)) (*ClusterSpec, error) {
	expanded, err := expandEnv(tree, lookup)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("encode cluster spec: %w", err)
	}
	var spec ClusterSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("decode cluster spec: %w", err)
	}
	if spec.Nodes == nil {
		spec.Nodes = map[string]NodeSpec{}
	}
	if spec.Roles == nil {
		spec.Roles = map[string]json.RawMessage{}
	}
	return &spec, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// expandEnv replaces ${CASTLE_*} references in every string of tree.
// References to variables without the prefix are left as written.
func expandEnv(tree any, lookup func(string) (string, bool)) (any, error) {
	switch v := tree.(type) {
	case string:
		var missing string
		out := envRef.ReplaceAllStringFunc(v, func(ref string) string {
			name := ref[2 : len(ref)-1]
			if !strings.HasPrefix(name, EnvPrefix) {
				return ref
			}
			value, ok := lookup(name)
			if !ok && missing == "" {
				missing = name
			}
			return value
		})
		if missing != "" {
			return nil, fmt.Errorf("you must set the environment variable %s to use this cluster spec", missing)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			e, err := expandEnv(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = e
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			e, err := expandEnv(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	default:
		return v, nil
	}
}

// SaveClusterSpec writes spec as indented JSON.
func SaveClusterSpec(path string, spec *ClusterSpec) error {
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cluster spec: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write cluster spec: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write cluster spec: %w", err)
	}
	return nil
}
