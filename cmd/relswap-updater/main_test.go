package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/relswap/internal/status"
	"github.com/loykin/relswap/internal/updater"
)

func TestUnknownFlagIsUsageError(t *testing.T) {
	assert.Equal(t, updater.ExitUsage, run([]string{"--bogus"}))
}

func TestMissingModeIsUsageError(t *testing.T) {
	base := t.TempDir()
	logPath := filepath.Join(base, ".updates", "updater.log")
	code := run([]string{"--base", base, "--version", "1.2.3", "--lockPath", filepath.Join(base, ".updates", "install.lock"), "--logPath", logPath})
	assert.Equal(t, updater.ExitUsage, code)

	rec, err := status.Read(filepath.Join(base, ".updates", "status.json"))
	require.NoError(t, err)
	assert.Equal(t, status.StepError, rec.Step)

	_, err = os.Stat(logPath)
	assert.NoError(t, err)
}

func TestUnusableCommandLineReleasesLock(t *testing.T) {
	cases := map[string][]string{
		"malformed pid":  {"--serverPid", "abc"},
		"unknown flag":   {"--serverPid", "42", "--future-flag", "x"},
		"unknown preset": {"--supervisor-name", "app", "--supervisor", "runit"},
	}
	for name, extra := range cases {
		t.Run(name, func(t *testing.T) {
			base := t.TempDir()
			updates := filepath.Join(base, ".updates")
			lockPath := filepath.Join(updates, "install.lock")
			logPath := filepath.Join(updates, "updater-1.2.3-test.log")
			require.NoError(t, os.MkdirAll(updates, 0o755))
			require.NoError(t, os.WriteFile(lockPath, []byte(`{"pid":1}`), 0o600))

			args := append([]string{"--base", base, "--version", "1.2.3", "--lockPath=" + lockPath, "--logPath", logPath}, extra...)
			assert.Equal(t, updater.ExitUsage, run(args))

			assert.NoFileExists(t, lockPath)
			rec, err := status.Read(filepath.Join(updates, "status.json"))
			require.NoError(t, err)
			assert.Equal(t, status.StepError, rec.Step)
			assert.Equal(t, "1.2.3", rec.Version)
			assert.NotEmpty(t, rec.Error)
			assert.FileExists(t, logPath)
		})
	}
}
