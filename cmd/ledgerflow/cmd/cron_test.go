package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow/internal/config"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cronFrom, cronCount = "", 5
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCronNextPrintsExecutions(t *testing.T) {
	out, err := runRoot(t, "cron", "next", "0 0 0 1 * *", "--from", "2026-01-15T00:00:00Z", "-n", "3")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	for i, month := range []string{"-02-", "-03-", "-04-"} {
		assert.Contains(t, lines[i], "2026"+month+"01T00:00:00", "line %d", i)
	}
}

func TestCronNextRejectsBadInput(t *testing.T) {
	_, err := runRoot(t, "cron", "next", "0 0 1 * *")
	assert.Error(t, err, "five fields")

	_, err = runRoot(t, "cron", "next", "0 0 0 1 * *", "--from", "yesterday")
	assert.Error(t, err)

	_, err = runRoot(t, "cron", "next", "0 0 0 1 * *", "--count", "0")
	assert.Error(t, err)
}

func TestOpenStoreMemory(t *testing.T) {
	st, closeStore, err := openStore(config.DB{Driver: "memory"})
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.NoError(t, closeStore())

	_, _, err = openStore(config.DB{Driver: "mysql"})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(config.Log{Level: "debug", Format: "json"})
	assert.NoError(t, err)
	_, err = newLogger(config.Log{Level: "loud", Format: "console"})
	assert.Error(t, err)
}
