// Package castle provisions and operates ephemeral clusters by running a
// graph of node-scoped actions.
//
// Overview
//
//  1. Describe the cluster:
//     - Load a ClusterSpec with LoadClusterSpec. Nodes carry role names;
//       roles are decoded by a RoleRegistry holding the closed set of role
//       variants (see the roles package).
//     - Build the nodes with NewCluster.
//  2. Register the actions:
//     - Create an ActionRegistry and call Cluster.RegisterActions. Every
//       role contributes actions identified by an ActionID (type, scope).
//     - Actions declare dependencies as TargetIDs, optionally restricted to
//       the node they run on.
//  3. Run targets:
//     - NewScheduler expands targets such as "up" or "daemonStart:kafka"
//       into (action, node) units plus their transitive dependencies and
//       rejects cyclic or unresolvable graphs.
//     - Start dispatches units under a global concurrency cap with at most
//       one unit per node at a time; Await collects the Report.
//     - Close releases the scheduler whatever the outcome.
//
// Actions render per-node parameters through dynamic variables
// (VariableRegistry) and wrap external commands in a RetryPolicy.
package castle
