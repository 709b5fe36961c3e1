package spawner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgsCommandLineOmitsDefaults(t *testing.T) {
	a := Args{EndpointURL: "ws://host:8901", JobName: "foo", JobInstance: "foo:1", Machine: "m1", Command: "echo hi"}
	assert.Equal(t, []string{"ws://host:8901", "foo", "foo:1", "m1", "echo hi"}, a.CommandLine())
}

func TestArgsCommandLineIncludesCwdAndUser(t *testing.T) {
	a := Args{EndpointURL: "ws://host:8901", JobName: "foo", JobInstance: "foo:1", Machine: "m1", Command: "echo hi", Cwd: "/opt", User: "deploy"}
	assert.Equal(t, []string{"ws://host:8901", "foo", "foo:1", "m1", "echo hi", "/opt", "deploy"}, a.CommandLine())
}

func TestErrSpawnFailedUnwraps(t *testing.T) {
	inner := assertErr("boom")
	err := &ErrSpawnFailed{Machine: "m1", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "m1")
}

func TestLocalSpawnerStartsProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script fixture")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "saltpeter-wrapper")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$@\" > \""+dir+"/args.txt\"\n"), 0755))

	s := &LocalSpawner{WrapperPath: script}
	err := s.Spawn(context.Background(), "m1", Args{EndpointURL: "ws://x", JobName: "foo", JobInstance: "foo:1", Machine: "m1", Command: "true"})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "args.txt")); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("wrapper script did not run in time")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
