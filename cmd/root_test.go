// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, Version, strings.TrimSpace(out.String()))
}

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCommand()

	f := root.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "c", f.Shorthand)

	for _, name := range []string{"generate", "run", "improve", "scripts", "version"} {
		sub, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestRunCommandFlags(t *testing.T) {
	run := newRunCmd()
	for _, name := range []string{"mode", "auto-improve", "no-auto-adjust", "quiet"} {
		assert.NotNil(t, run.Flags().Lookup(name), name)
	}
}

func TestRootRejectsMissingConfigFile(t *testing.T) {
	t.Cleanup(func() { cfgFile = "" })
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--config", "/nonexistent/uipilot.yaml", "scripts", "list"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}
