package castle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortressi/castle/uplink"
	"github.com/fortressi/castle/uplink/uplinktest"
)

type testRole struct{}

func (testRole) Actions(string, *Cluster) []Action { return nil }

func testRoleRegistry(t *testing.T) *RoleRegistry {
	t.Helper()
	reg := NewRoleRegistry()
	require.NoError(t, reg.Register("test", func(json.RawMessage) (Role, error) {
		return testRole{}, nil
	}))
	return reg
}

// newTestCluster builds a cluster whose nodes carry the given roles and are
// reached through scripted uplinks.
func newTestCluster(t *testing.T, nodes map[string][]string) *Cluster {
	t.Helper()
	spec := &ClusterSpec{
		Nodes: map[string]NodeSpec{},
		Roles: map[string]json.RawMessage{},
	}
	for name, roles := range nodes {
		spec.Nodes[name] = NodeSpec{RoleNames: roles}
		for _, r := range roles {
			spec.Roles[r] = json.RawMessage(`{"type":"test"}`)
		}
	}
	c, err := NewCluster(spec, t.TempDir(), testRoleRegistry(t), WithoutNodeLogs(),
		WithUplinks(func(n *Node) uplink.Uplink { return uplinktest.New(n.Name()) }))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func scripted(t *testing.T, c *Cluster, node string) *uplinktest.Scripted {
	t.Helper()
	n, ok := c.Node(node)
	require.True(t, ok)
	s, ok := n.Uplink().(*uplinktest.Scripted)
	require.True(t, ok)
	return s
}

// newTestRegistry registers the types of actions and then the actions.
func newTestRegistry(t *testing.T, actions ...Action) *ActionRegistry {
	t.Helper()
	reg := NewActionRegistry()
	for _, a := range actions {
		if !reg.HasType(a.ID().Type) {
			require.NoError(t, reg.RegisterType(a.ID().Type))
		}
	}
	for _, a := range actions {
		require.NoError(t, reg.Register(a))
	}
	return reg
}

func noop(context.Context, *Cluster, *Node) error { return nil }
