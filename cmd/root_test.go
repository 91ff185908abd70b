package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "migrate", "status", "monitor", "requests", "escalation", "manual-request", "finalize", "withdraw"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "risk-oracle", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRequestsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range requestsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["show"])

	flag := requestsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "20", flag.DefValue)
}

func TestManualCommands_RequireCaller(t *testing.T) {
	for _, c := range []struct {
		name  string
		flags []string
	}{
		{"manual-request", []string{"caller"}},
		{"finalize", []string{"caller", "strategy"}},
		{"withdraw", []string{"caller"}},
	} {
		cmd, _, err := rootCmd.Find([]string{c.name})
		require.NoError(t, err)
		for _, f := range c.flags {
			flag := cmd.Flags().Lookup(f)
			require.NotNil(t, flag, "%s should have --%s", c.name, f)
			assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag],
				"%s --%s should be required", c.name, f)
		}
	}
}
