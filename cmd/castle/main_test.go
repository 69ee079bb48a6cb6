package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/castle"
)

const localCluster = `{
  "conf": {"maxConcurrentActions": 2},
  "nodes": {
    "node0": {"roleNames": ["svc"]},
    "node1": {"roleNames": ["svc"]}
  },
  "roles": {
    "svc": {"type": "daemon", "start": ["true"], "status": ["false"]}
  }
}`

func execute(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeCluster(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runRecords(t *testing.T, workDir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(workDir, "runs", "*.json"))
	require.NoError(t, err)
	return files
}

func TestHelpWithoutTargets(t *testing.T) {
	out, err := execute(t, nil)
	require.NoError(t, err)
	assert.Contains(t, out, "Valid targets")
	assert.Contains(t, out, "--max-concurrent-actions")
}

func TestEnvironmentErrors(t *testing.T) {
	_, err := execute(t, map[string]string{envVerbose: "maybe"}, "up")
	assert.ErrorContains(t, err, envVerbose)

	_, err = execute(t, map[string]string{envMaxConcurrent: "lots"}, "up")
	assert.ErrorContains(t, err, envMaxConcurrent)
}

func TestMissingDirectories(t *testing.T) {
	_, err := execute(t, nil, "up")
	assert.ErrorContains(t, err, "working directory")

	_, err = execute(t, nil, "-w", t.TempDir(), "up")
	assert.ErrorContains(t, err, "you must specify a cluster")
}

func TestUpStatusAndMerge(t *testing.T) {
	workDir := t.TempDir()
	clusterPath := writeCluster(t, localCluster)

	_, err := execute(t, nil, "-c", clusterPath, "-w", workDir, "up")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(workDir, castle.ClusterFileName))
	assert.FileExists(t, filepath.Join(workDir, "plan.dot"))
	assert.FileExists(t, filepath.Join(workDir, "logs", "node0.log"))
	require.Len(t, runRecords(t, workDir), 1)

	dot, err := os.ReadFile(filepath.Join(workDir, "plan.dot"))
	require.NoError(t, err)
	assert.Contains(t, string(dot), "daemonStart:svc@node1")

	// The canonical spec is used when no cluster file is given.
	_, err = execute(t, map[string]string{envWorkDir: workDir, envTargets: "status"})
	var runErr *castle.RunFailedError
	require.ErrorAs(t, err, &runErr)
	assert.Len(t, runErr.Failures, 2)
	assert.Len(t, runRecords(t, workDir), 2)

	changed := writeCluster(t, strings.Replace(localCluster, `["false"]`, `["true"]`, 1))
	out, err := execute(t, nil, "-v", "-c", changed, "-w", workDir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "merging new cluster data")

	spec, err := castle.LoadClusterSpec(filepath.Join(workDir, castle.ClusterFileName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"daemon","start":["true"],"status":["true"]}`, string(spec.Roles["svc"]))
}

func TestMaxConcurrentFlag(t *testing.T) {
	workDir := t.TempDir()
	clusterPath := writeCluster(t, localCluster)

	_, err := execute(t, nil, "-c", clusterPath, "-w", workDir, "-m", "0", "up")
	var verr *castle.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = execute(t, map[string]string{envMaxConcurrent: "1"}, "-c", clusterPath, "-w", workDir, "daemonStart:svc")
	assert.NoError(t, err)
}

func TestUnknownTarget(t *testing.T) {
	out, err := execute(t, nil, "-c", writeCluster(t, localCluster), "-w", t.TempDir(), "bogus")
	assert.ErrorContains(t, err, "unknown target")
	assert.NotContains(t, out, "Error:")
}

func TestSSH(t *testing.T) {
	workDir := t.TempDir()
	clusterPath := writeCluster(t, localCluster)

	out, err := execute(t, nil, "-c", clusterPath, "-w", workDir, "ssh", "all", "echo", "castle-ssh-ok")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "castle-ssh-ok\n"))

	out, err = execute(t, nil, "-w", workDir, "ssh", "node1", "echo", "castle-ssh-ok")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "castle-ssh-ok\n"))

	_, err = execute(t, nil, "-w", workDir, "ssh", "node7", "true")
	assert.ErrorContains(t, err, "unknown node")

	_, err = execute(t, nil, "-w", workDir, "ssh", "all")
	assert.ErrorContains(t, err, "exactly one node")

	_, err = execute(t, nil, "-w", workDir, "ssh")
	assert.Error(t, err)

	_, err = execute(t, nil, "-w", workDir, "ssh", "node0", "exit", "4")
	assert.ErrorContains(t, err, "ssh node0")

	_, err = execute(t, nil, "-w", workDir, "ssh", "all", "exit", "5")
	assert.ErrorContains(t, err, "ssh node0")
	assert.ErrorContains(t, err, "ssh node1")

	_, err = execute(t, nil, "-w", workDir, "up", "ssh", "all", "true")
	assert.ErrorContains(t, err, "must be the first target")
}

func TestSSHFailureLeavesOtherNodesRunning(t *testing.T) {
	workDir := t.TempDir()
	lock := filepath.Join(t.TempDir(), "first")

	// Whichever node claims the lock fails at once, the other finishes.
	command := "if mkdir " + lock + " 2>/dev/null; then exit 4; else sleep 0.3; echo castle-ssh-finished; fi"
	out, err := execute(t, nil, "-c", writeCluster(t, localCluster), "-w", workDir, "ssh", "all", command)
	require.Error(t, err)
	assert.ErrorContains(t, err, "exit status 4")
	assert.NotContains(t, err.Error(), "killed")
	assert.Contains(t, out, "castle-ssh-finished")
}

func TestSplitTargets(t *testing.T) {
	assert.Equal(t, []string{"up", "daemonStart:kafka"}, splitTargets(" up, daemonStart:kafka\n"))
	assert.Empty(t, splitTargets(""))
}
