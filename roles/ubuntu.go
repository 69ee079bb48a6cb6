package roles

import (
	"context"
	"encoding/json"

	"github.com/fortressi/castle"
)

// DefaultJDKPackage is installed when an ubuntuNode role names none.
const DefaultJDKPackage = "openjdk-8-jdk-headless"

// UbuntuNode prepares an Ubuntu machine with the packages every daemon
// needs.
type UbuntuNode struct {
	JDKPackage string     `json:"jdkPackage,omitempty"`
	Retry      *RetrySpec `json:"retry,omitempty"`
}

func decodeUbuntuNode(raw json.RawMessage) (castle.Role, error) {
	var r UbuntuNode
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	if r.JDKPackage == "" {
		r.JDKPackage = DefaultJDKPackage
	}
	return &r, nil
}

func (r *UbuntuNode) Actions(roleName string, _ *castle.Cluster) []castle.Action {
	return []castle.Action{
		castle.NewActionFunc(castle.NewActionID(ActionUbuntuSetup, roleName), castle.OnRole(roleName),
			func(ctx context.Context, cluster *castle.Cluster, node *castle.Node) error {
				role, err := nodeRole[*UbuntuNode](cluster, node, roleName)
				if err != nil {
					return err
				}
				return role.setup(ctx, node)
			},
			castle.WithPhases(castle.PhaseSetup),
			castle.WithDependencies(castle.AfterOnNode(castle.AllOf(ActionAWSInit))),
		),
	}
}

// SetupCommand is the command line ubuntuSetup runs.
func (r *UbuntuNode) SetupCommand() []string {
	return []string{
		"sudo", "dpkg", "--configure", "-a", "&&",
		"sudo", "apt-get", "update", "-y", "&&",
		"sudo", "apt-get", "install", "-y", "iptables", "rsync", "wget", "curl", "collectd-core",
		"coreutils", "cmake", "pkg-config", "libfuse-dev", r.JDKPackage,
	}
}

func (r *UbuntuNode) setup(ctx context.Context, node *castle.Node) error {
	log := node.Logger()
	log.Info("beginning ubuntu setup", "node", node.Name())
	if err := r.Retry.policy(castle.AptRetryPolicy()).Run(ctx, node, r.SetupCommand()); err != nil {
		return err
	}
	log.Info("finished ubuntu setup", "node", node.Name())
	return nil
}
