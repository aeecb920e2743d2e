package updater

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/relswap/internal/layout"
	"github.com/loykin/relswap/internal/status"
)

func TestArgsRoundTrip(t *testing.T) {
	cases := []Options{
		{Base: "/srv/app", Version: "9.9.9", LockPath: "/srv/app/.updates/install.lock", LogPath: "/tmp/u.log",
			ServiceName: "app", Supervisor: "systemd", Keep: 3, SelfName: "relswap-updater"},
		{Base: `C:\app`, Version: "1.2.3", LockPath: `C:\app\.updates\install.lock`, ServerPID: 4242,
			Supervisor: "pm2", StartCommand: []string{"node", "build/index.js", "--port=3000 --x"}, Keep: 2},
	}
	for _, want := range cases {
		got, err := ParseArgs(want.Args())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestParseArgsPM2Alias(t *testing.T) {
	o, err := ParseArgs([]string{"--base", "/b", "--version", "1.0.0", "--lockPath", "/b/l", "--pm2", "quote-app"})
	require.NoError(t, err)
	assert.Equal(t, "quote-app", o.ServiceName)
	assert.Equal(t, 2, o.Keep)
	assert.Equal(t, "pm2", o.Supervisor)
	assert.NoError(t, o.Validate())
}

func TestParseArgsRejectsUnknownFlag(t *testing.T) {
	_, err := ParseArgs([]string{"--nope"})
	assert.Error(t, err)
}

func TestScanArgsToleratesUnparseableInput(t *testing.T) {
	o := ScanArgs([]string{
		"--base", "/srv/app", "--future-flag", "x", "--serverPid", "abc",
		"--lockPath=/srv/app/.updates/install.lock", "--version", "1.2.3", "--self-name",
	})
	assert.Equal(t, "/srv/app", o.Base)
	assert.Equal(t, "1.2.3", o.Version)
	assert.Equal(t, "/srv/app/.updates/install.lock", o.LockPath)
	assert.Empty(t, o.SelfName)
	assert.Zero(t, o.ServerPID)
}

func TestAbortReleasesLockAndRecordsError(t *testing.T) {
	base := t.TempDir()
	p := layout.ForBase(base, "")
	require.NoError(t, os.MkdirAll(p.UpdatesDir, 0o755))
	require.NoError(t, os.WriteFile(p.LockPath, []byte(`{"pid":1}`), 0o600))

	Abort([]string{"--base", base, "--version", "2.0.0", "--lockPath", p.LockPath, "--bogus"}, errors.New("unknown flag: --bogus"), nil)

	assert.NoFileExists(t, p.LockPath)
	rec, err := status.Read(p.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, status.StepError, rec.Step)
	assert.Equal(t, "unknown flag: --bogus", rec.Error)
}
