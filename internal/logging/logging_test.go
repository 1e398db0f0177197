package logging

import (
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	require.NoError(t, Setup(Config{Level: "debug"}))
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	require.NoError(t, Setup(Config{}))
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	assert.Error(t, Setup(Config{Level: "loud"}))
}

func TestSessionLogWritesFile(t *testing.T) {
	dir := t.TempDir()
	sl, err := StartSessionLog(dir, "johnson/q1 review")
	require.NoError(t, err)

	logger := sl.Logger()
	logger.Warn().Str("audit", "transition_rejected").Msg("Done -> Todo")
	require.NoError(t, sl.Close())
	require.NoError(t, sl.Close())

	assert.True(t, strings.HasPrefix(sl.Path(), dir))
	assert.Contains(t, sl.Path(), "session_johnson_q1_review_")

	data, err := os.ReadFile(sl.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "transition_rejected")
	assert.Contains(t, string(data), "session log closed")
}

func TestNilSessionLog(t *testing.T) {
	var sl *SessionLog
	assert.NoError(t, sl.Close())
	assert.Empty(t, sl.Path())
	_ = sl.Logger()
}
