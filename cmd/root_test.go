package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_Structure(t *testing.T) {
	assert.NotNil(t, rootCmd)
	assert.Equal(t, "moodle-eks", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.NotEmpty(t, rootCmd.Version)
}

func TestRootCmd_DeploysByDefault(t *testing.T) {
	assert.NotNil(t, rootCmd.RunE)
	assert.NotNil(t, rootCmd.Flags().Lookup("from"))
	assert.NotNil(t, rootCmd.Flags().Lookup("dry-run"))
}

func TestRootCmd_PersistentFlags(t *testing.T) {
	flags := []struct {
		name      string
		shorthand string
	}{
		{"config", "c"},
		{"name", "n"},
		{"state", ""},
		{"state-dir", ""},
		{"region", ""},
		{"env-file", ""},
		{"metrics-file", ""},
		{"verbose", "v"},
		{"yes", "y"},
	}
	for _, f := range flags {
		t.Run(f.name, func(t *testing.T) {
			flag := rootCmd.PersistentFlags().Lookup(f.name)
			require.NotNil(t, flag)
			assert.Equal(t, f.shorthand, flag.Shorthand)
		})
	}
}

func TestInitConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	assert.NotPanics(t, func() {
		initConfig()
	})
}

func TestRootCmd_CommandLookup(t *testing.T) {
	for _, name := range []string{
		"deploy", "plan", "status", "cleanup", "destroy", "verify", "health",
		"history", "kubeconfig", "kubectl", "helm", "config", "version",
	} {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{name})
			require.NoError(t, err)
			assert.NotEqual(t, rootCmd, cmd, "%s should resolve to a subcommand", name)
		})
	}
}

func TestSetVersionInfo(t *testing.T) {
	old := []string{Version, Commit, Date, BuiltBy}
	t.Cleanup(func() { SetVersionInfo(old[0], old[1], old[2], old[3]) })

	SetVersionInfo("1.2.3", "abc123", "2026-01-01", "ci")
	assert.Equal(t, "1.2.3", rootCmd.Version)
	assert.Equal(t, "moodle-eks 1.2.3 (commit abc123, built 2026-01-01 by ci)", versionString())
}
