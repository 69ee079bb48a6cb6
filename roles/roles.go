// Package roles holds the closed set of role variants a cluster spec can
// use, and the actions each of them contributes.
package roles

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fortressi/castle"
)

// Role types, as written in the "type" field of a role definition.
const (
	TypeUbuntuNode = "ubuntuNode"
	TypeDaemon     = "daemon"
	TypeAWS        = "aws"
)

// Action types.
const (
	ActionUbuntuSetup  = "ubuntuSetup"
	ActionDaemonStart  = "daemonStart"
	ActionDaemonStatus = "daemonStatus"
	ActionSaveLogs     = "saveLogs"
	ActionDaemonStop   = "daemonStop"
	ActionAWSInit      = "awsInit"
	ActionAWSDestroy   = "awsDestroy"
)

type options struct {
	ec2Clients EC2ClientFactory
}

// Option configures Register.
type Option func(*options)

// WithEC2Clients replaces the factory the aws role obtains EC2 clients from.
func WithEC2Clients(f EC2ClientFactory) Option {
	return func(o *options) { o.ec2Clients = f }
}

// Register adds every role variant to registry.
func Register(registry *castle.RoleRegistry, opts ...Option) error {
	o := options{ec2Clients: DefaultEC2Client}
	for _, opt := range opts {
		opt(&o)
	}
	if err := registry.Register(TypeUbuntuNode, decodeUbuntuNode, ActionUbuntuSetup); err != nil {
		return err
	}
	if err := registry.Register(TypeDaemon, decodeDaemon,
		ActionDaemonStart, ActionDaemonStatus, ActionSaveLogs, ActionDaemonStop); err != nil {
		return err
	}
	return registry.Register(TypeAWS, func(raw json.RawMessage) (castle.Role, error) {
		return decodeAWS(raw, o.ec2Clients)
	}, ActionAWSInit, ActionAWSDestroy)
}

// NewRegistry returns a RoleRegistry holding every role variant.
func NewRegistry(opts ...Option) (*castle.RoleRegistry, error) {
	r := castle.NewRoleRegistry()
	if err := Register(r, opts...); err != nil {
		return nil, err
	}
	return r, nil
}

// RetrySpec is the per-role retry configuration of commands.
type RetrySpec struct {
	Codes       []int `json:"codes,omitempty"`
	IntervalMs  int   `json:"intervalMs,omitempty"`
	MaxAttempts int   `json:"maxAttempts,omitempty"`
}

// policy returns the configured policy, or def when none is configured.
// Fields left out keep the value of def.
func (r *RetrySpec) policy(def castle.RetryPolicy) castle.RetryPolicy {
	if r == nil {
		return def
	}
	p := def
	if len(r.Codes) > 0 {
		p.RetryableCodes = r.Codes
	}
	if r.IntervalMs > 0 {
		p.Interval = time.Duration(r.IntervalMs) * time.Millisecond
	}
	if r.MaxAttempts > 0 {
		p.MaxAttempts = r.MaxAttempts
	}
	return p
}

// nodeRole decodes roleName for node and checks it is a T.
func nodeRole[T castle.Role](cluster *castle.Cluster, node *castle.Node, roleName string) (T, error) {
	var zero T
	role, err := cluster.NodeRole(node, roleName)
	if err != nil {
		return zero, err
	}
	typed, ok := role.(T)
	if !ok {
		return zero, fmt.Errorf("role %s is a %T, not a %T", roleName, role, zero)
	}
	return typed, nil
}
