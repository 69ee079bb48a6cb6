package castle

import (
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/fortressi/castle/uplink"
)

// Node is one machine of the cluster. It lives for a single run.
type Node struct {
	name   string
	roles  []string
	out    io.Writer
	logger *slog.Logger

	mu       sync.RWMutex
	uplink   uplink.Uplink
	hostname string
}

// NewNode returns a node carrying roles. Its log and the output of its
// commands go to out, which may be nil to discard them. The node starts out
// with a local uplink.
func NewNode(name string, roles []string, out io.Writer) *Node {
	if out == nil {
		out = io.Discard
	}
	return &Node{
		name:   name,
		roles:  slices.Clone(roles),
		out:    out,
		logger: slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})),
		uplink: &uplink.Local{Output: out},
	}
}

func (n *Node) Name() string {
	return n.name
}

// Roles returns the role names assigned to the node.
func (n *Node) Roles() []string {
	return slices.Clone(n.roles)
}

func (n *Node) HasRole(role string) bool {
	return slices.Contains(n.roles, role)
}

// Output is where the node's log and command output are written.
func (n *Node) Output() io.Writer {
	return n.out
}

// Logger returns the node's own log.
func (n *Node) Logger() *slog.Logger {
	return n.logger
}

func (n *Node) Uplink() uplink.Uplink {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.uplink
}

func (n *Node) SetUplink(up uplink.Uplink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uplink = up
}

// Hostname returns the address the node is reached at. Until one is
// assigned it is the node name.
func (n *Node) Hostname() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.hostname == "" {
		return n.name
	}
	return n.hostname
}

// AssignedHostname returns the explicitly assigned address, or "".
func (n *Node) AssignedHostname() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.hostname
}

func (n *Node) SetHostname(hostname string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hostname = hostname
}

func (n *Node) String() string {
	return n.name
}
