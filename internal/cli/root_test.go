package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "compval", cmd.Use)
	assert.Contains(t, cmd.Long, "offline compositor")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"replay", "test", "validate", "stats", "formats"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestReplayCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	replayCmd, _, err := cmd.Find([]string{"replay"})
	require.NoError(t, err)

	for _, name := range []string{"mode", "fence-timeout", "max-delay", "db", "formats", "reference", "drop-every", "displays", "alpha"} {
		assert.NotNil(t, replayCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "frame", replayCmd.Flags().Lookup("mode").DefValue)
}

func TestReplayCommandFlags_EnvironmentDefaults(t *testing.T) {
	t.Setenv("COMPVAL_MATCH_MODE", "sizes")
	t.Setenv("COMPVAL_MAX_DELAY", "0s")

	cmd := NewRootCommand()
	replayCmd, _, err := cmd.Find([]string{"replay"})
	require.NoError(t, err)
	assert.Equal(t, "sizes", replayCmd.Flags().Lookup("mode").DefValue)
	assert.Equal(t, "0s", replayCmd.Flags().Lookup("max-delay").DefValue)
}

func TestStatsCommandRequiresDB(t *testing.T) {
	_, err := execute(t, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "db" not set`)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "formats", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}
