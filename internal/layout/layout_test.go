package layout

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func mkfile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func mkbuild(t *testing.T, dir string) {
	t.Helper()
	mkfile(t, filepath.Join(dir, "package.json"), `{"version":"1.0.0"}`)
	mkfile(t, filepath.Join(dir, "build", "index.js"), "// entry")
	mkfile(t, filepath.Join(dir, "build", "server", "x.js"), "")
	mkfile(t, filepath.Join(dir, "build", "client", "x.js"), "")
}

func TestFindAppRootPrefersCurrent(t *testing.T) {
	base := t.TempDir()
	cur := filepath.Join(base, "current")
	mkbuild(t, cur)
	// the install base also looks like a dev root; current must still win
	mkfile(t, filepath.Join(base, "package.json"), `{}`)
	if err := os.MkdirAll(filepath.Join(base, "drizzle"), 0o755); err != nil {
		t.Fatal(err)
	}

	got := FindAppRoot(filepath.Join(cur, "build", "server"), Signature{})
	if got != cur {
		t.Fatalf("FindAppRoot = %s, want %s", got, cur)
	}
	p := Resolve(got)
	if !p.IsAtomic() {
		t.Fatalf("expected atomic layout")
	}
	if p.InstallBase != base {
		t.Fatalf("InstallBase = %s, want %s", p.InstallBase, base)
	}
	if p.LockPath != filepath.Join(base, ".updates", "install.lock") {
		t.Fatalf("unexpected lock path %s", p.LockPath)
	}
}

func TestFindAppRootDevLayout(t *testing.T) {
	root := t.TempDir()
	mkfile(t, filepath.Join(root, "package.json"), `{"version":"0.1.0"}`)
	if err := os.MkdirAll(filepath.Join(root, "drizzle"), 0o755); err != nil {
		t.Fatal(err)
	}
	start := filepath.Join(root, "src", "lib")
	if err := os.MkdirAll(start, 0o755); err != nil {
		t.Fatal(err)
	}
	got := FindAppRoot(start, Signature{})
	if got != root {
		t.Fatalf("FindAppRoot = %s, want %s", got, root)
	}
	p := Resolve(got)
	if p.IsAtomic() {
		t.Fatalf("dev layout reported as atomic")
	}
	if p.InstallBase != root {
		t.Fatalf("InstallBase = %s, want %s", p.InstallBase, root)
	}
}

func TestFindAppRootIncompleteCurrentIsNotAtomic(t *testing.T) {
	base := t.TempDir()
	cur := filepath.Join(base, "current")
	mkfile(t, filepath.Join(cur, "build", "index.js"), "")
	got := FindAppRoot(cur, Signature{})
	if got != cur {
		t.Fatalf("expected fallback to start dir, got %s", got)
	}
	// start dir returned, but it is named current: resolution still works
	_ = Resolve(got)
}

func TestFindAppRootNothingMatches(t *testing.T) {
	dir := t.TempDir()
	if got := FindAppRoot(dir, Signature{}); got != dir {
		t.Fatalf("FindAppRoot = %s, want %s", got, dir)
	}
}

func TestBackupName(t *testing.T) {
	at := time.Date(2026, 10, 15, 8, 30, 0, 123_000_000, time.UTC)
	got := BackupName("1.0.0", at)
	want := "previous-1.0.0-2026-10-15T08-30-00-123Z"
	if got != want {
		t.Fatalf("BackupName = %s, want %s", got, want)
	}
	if stamp := strings.TrimPrefix(got, "previous-1.0.0-"); strings.ContainsAny(stamp, ":.") {
		t.Fatalf("stamp contains forbidden characters: %s", stamp)
	}
}

func TestReadVersionFallsBackToBuild(t *testing.T) {
	dir := t.TempDir()
	mkfile(t, filepath.Join(dir, "build", "package.json"), `{"version":"2.3.4"}`)
	v, err := ReadVersion(dir)
	if err != nil {
		t.Fatalf("ReadVersion: %v", err)
	}
	if v != "2.3.4" {
		t.Fatalf("version = %s", v)
	}

	if _, err := ReadVersion(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing package.json")
	}
}

func TestRecoverAfterInterruptedSwap(t *testing.T) {
	base := t.TempDir()
	p := ForBase(base, "")
	mkbuild(t, p.Current)
	mkbuild(t, p.ReleaseDir("9.9.9"))

	older := p.BackupDir("0.9.0", time.Now().Add(-time.Hour))
	mkbuild(t, older)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, past, past); err != nil {
		t.Fatal(err)
	}

	// first rename of the swap completes, then the process dies
	backup := p.BackupDir("1.0.0", time.Now())
	if err := os.Rename(p.Current, backup); err != nil {
		t.Fatal(err)
	}

	restored, err := Recover(p)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if restored != filepath.Base(backup) {
		t.Fatalf("restored %q, want %q", restored, filepath.Base(backup))
	}
	v, err := ReadVersion(p.Current)
	if err != nil || v != "1.0.0" {
		t.Fatalf("current version = %q (%v)", v, err)
	}
	if _, err := os.Stat(backup); !os.IsNotExist(err) {
		t.Fatalf("backup should have been moved back")
	}

	// healthy layout: nothing to do
	restored, err = Recover(p)
	if err != nil || restored != "" {
		t.Fatalf("second Recover = %q, %v", restored, err)
	}
}

func TestListBackupsNewestFirst(t *testing.T) {
	base := t.TempDir()
	now := time.Now()
	for i, name := range []string{"previous-1-a", "previous-1-b", "previous-1-c"} {
		dir := filepath.Join(base, name)
		if err := os.Mkdir(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		ts := now.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(dir, ts, ts); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(base, "releases"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := ListBackups(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Name != "previous-1-c" || got[2].Name != "previous-1-a" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestNamesCurrent(t *testing.T) {
	cases := []struct {
		name, goos string
		want       bool
	}{
		{"current", "linux", true},
		{"Current", "linux", false},
		{"current", "windows", true},
		{"Current", "windows", true},
		{"CURRENT", "windows", true},
		{"current-old", "windows", false},
	}
	for _, tc := range cases {
		if got := namesCurrent(tc.name, tc.goos); got != tc.want {
			t.Errorf("namesCurrent(%q, %s) = %v, want %v", tc.name, tc.goos, got, tc.want)
		}
	}
}
