// SPDX-License-Identifier: GPL-3.0-or-later

package nativelib

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The default matrix has unique names and archives only for iOS.
func TestDefaultTargets(t *testing.T) {
	targets := DefaultTargets()
	require.Len(t, targets, 10)

	seen := make(map[string]bool)
	for _, target := range targets {
		assert.False(t, seen[target.Name], "duplicate target %s", target.Name)
		seen[target.Name] = true
		assert.Equal(t, target.GOOS == "ios", target.Mode == ModeArchive, target.Name)
	}

	target, err := FindTarget(targets, "android-arm64-v8a")
	require.NoError(t, err)
	assert.Equal(t, Target{Name: "android-arm64-v8a", GOOS: "android", GOARCH: "arm64", Mode: ModeShared}, target)

	_, err = FindTarget(targets, "plan9-386")
	require.ErrorIs(t, err, ErrUnknownTarget)
}

// LibraryFileName depends on the operating system and the build mode.
func TestLibraryFileName(t *testing.T) {
	cases := []struct {
		// target is the build target.
		target Target

		// want is the expected file name.
		want string
	}{
		{Target{GOOS: "linux", Mode: ModeShared}, "libkeqwest.so"},
		{Target{GOOS: "android", Mode: ModeShared}, "libkeqwest.so"},
		{Target{GOOS: "darwin", Mode: ModeShared}, "libkeqwest.dylib"},
		{Target{GOOS: "windows", Mode: ModeShared}, "keqwest.dll"},
		{Target{GOOS: "ios", Mode: ModeArchive}, "libkeqwest.a"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LibraryFileName(tc.target), tc.target.GOOS)
	}
}

// BuildCommand selects the build mode and the cross-compilation environment.
func TestBuildCommand(t *testing.T) {
	target := Target{Name: "ios-arm64", GOOS: "ios", GOARCH: "arm64", Mode: ModeArchive}

	cmd := BuildCommand(target, "./cmd/libkeqwest", "out")

	assert.Equal(t, []string{
		"go", "build", "-buildmode=c-archive", "-trimpath",
		"-o", filepath.Join("out", "libkeqwest.a"), "./cmd/libkeqwest",
	}, cmd.Args)
	for _, entry := range []string{"CGO_ENABLED=1", "GOOS=ios", "GOARCH=arm64"} {
		assert.True(t, slices.Contains(cmd.Env, entry), entry)
	}
}

// HashFile computes the lowercase hex MD5 digest.
func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0600))

	digest, err := HashFile(path)

	require.NoError(t, err)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", digest)

	_, err = HashFile(filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

// Verify accepts the library described by the manifest and rejects changes.
func TestManifest(t *testing.T) {
	dir := t.TempDir()
	target := Target{Name: "linux-amd64", GOOS: "linux", GOARCH: "amd64", Mode: ModeShared}
	library := filepath.Join(dir, LibraryFileName(target))
	require.NoError(t, os.WriteFile(library, nil, 0600))

	digest, err := WriteManifest(dir, target)
	require.NoError(t, err)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", digest)
	data, err := os.ReadFile(filepath.Join(dir, HashFileName))
	require.NoError(t, err)
	assert.Equal(t, digest, string(data))

	require.NoError(t, Verify(dir, target))

	require.NoError(t, os.WriteFile(library, []byte("tampered"), 0600))
	require.ErrorIs(t, Verify(dir, target), ErrHashMismatch)

	require.NoError(t, os.Remove(filepath.Join(dir, HashFileName)))
	require.ErrorIs(t, Verify(dir, target), os.ErrNotExist)
}
