package cmd

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs rootCmd with args, returning its combined output
func executeCommand(t testing.TB, args ...string) (string, error) {
	t.Helper()
	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
			rootCmd.SetIn(nil)
			rootCmd.SetArgs(nil)
			standingsFile = ""
			streaksFile = ""
			streaksLimit = 0
		},
	)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func assertLogLevel(t testing.TB, expected slog.Level, val string) {
	t.Helper()
	lvl, err := getLogLevel(val)
	require.NoError(t, err)
	assert.Equal(t, expected, lvl)
}
