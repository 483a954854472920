package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func localMode(t *testing.T) {
	t.Setenv("RUN_MODE", "local")
	t.Setenv("BROKER_ENDPOINTS", "memory://")
}

func TestPublish_LocalMode(t *testing.T) {
	localMode(t)
	out, err := execute(t, "publish", "--app", "app-1", "--version", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "published app=app-1 vs=3")
}

func TestPublish_RejectsOutOfRangeVersion(t *testing.T) {
	localMode(t)
	_, err := execute(t, "publish", "--app", "app-1", "--version", "9007199254740992")
	assert.Error(t, err)
}

func TestNodeGet_NotFound(t *testing.T) {
	localMode(t)
	_, err := execute(t, "node", "get", "missing-agent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRebuildIndex_LocalMode(t *testing.T) {
	localMode(t)
	out, err := execute(t, "rebuild-index")
	require.NoError(t, err)
	assert.Contains(t, out, "rebuilt 0 application entries")
}

func TestOperatorGet_ValidatesCodes(t *testing.T) {
	_, err := execute(t, "operator", "get", "abc", "01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not numeric")
}

func TestWakeup_InvalidTarget(t *testing.T) {
	localMode(t)
	_, err := execute(t, "wakeup", "--ip", "256.1.1.1", "--port", "4000")
	assert.Error(t, err)
}
