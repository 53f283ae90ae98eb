// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package main

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRoot builds a root command with captured output and resets the
// global viper afterwards so tests do not leak config state.
func newTestRoot(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Cleanup(viper.Reset)

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	return root, buf
}

func TestRootCommand_Help(t *testing.T) {
	root, buf := newTestRoot(t)
	root.SetArgs([]string{"--help"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "warden")
	assert.Contains(t, buf.String(), "start")
	assert.Contains(t, buf.String(), "status")
	assert.Contains(t, buf.String(), "version")
}

func TestRootCommand_AllSubcommands(t *testing.T) {
	root, buf := newTestRoot(t)
	root.SetArgs([]string{"--help"})

	err := root.Execute()
	require.NoError(t, err)

	output := buf.String()
	for _, cmd := range []string{"start", "status", "version", "mode", "agent", "review", "doctor"} {
		assert.Contains(t, output, cmd, "root help should list %q subcommand", cmd)
	}
}

func TestVersionCommand(t *testing.T) {
	root, buf := newTestRoot(t)
	root.SetArgs([]string{"version"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "warden")
}

func TestStartCommand_RequiresConfig(t *testing.T) {
	root, buf := newTestRoot(t)
	root.SetErr(buf)
	root.SetArgs([]string{"start", "--config", "/nonexistent/path.yaml"})

	err := root.Execute()
	assert.Error(t, err)
}

func TestModeCommand_Help(t *testing.T) {
	root, buf := newTestRoot(t)
	root.SetArgs([]string{"mode", "--help"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "show")
	assert.Contains(t, buf.String(), "history")
	assert.Contains(t, buf.String(), "set")
}

func TestReviewCommand_Help(t *testing.T) {
	root, buf := newTestRoot(t)
	root.SetArgs([]string{"review", "--help"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "list")
	assert.Contains(t, buf.String(), "approve")
	assert.Contains(t, buf.String(), "reject")
}

func TestAgentCommand_Help(t *testing.T) {
	root, buf := newTestRoot(t)
	root.SetArgs([]string{"agent", "--help"})

	err := root.Execute()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "register")
	assert.Contains(t, buf.String(), "list")
	assert.Contains(t, buf.String(), "deactivate")
}

func TestReviewResolve_RequiresRationale(t *testing.T) {
	root, buf := newTestRoot(t)
	root.SetErr(buf)
	root.SetArgs([]string{"review", "approve", "some-id"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rationale")
}
