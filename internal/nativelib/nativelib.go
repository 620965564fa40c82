// SPDX-License-Identifier: GPL-3.0-or-later

// Package nativelib describes the native library build matrix of keqwest
// and the hash manifest that accompanies each built library.
package nativelib

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Mode is the cgo build mode of a [Target].
type Mode string

const (
	// ModeShared builds a shared library loaded at runtime.
	ModeShared = Mode("c-shared")

	// ModeArchive builds a static archive linked into the host binary.
	ModeArchive = Mode("c-archive")
)

// HashFileName is the name of the manifest written next to the library.
const HashFileName = "keqwest-build.hash"

// Target is a platform for which we build the native library.
type Target struct {
	// Name identifies the target on the command line.
	Name string

	// GOOS is the target operating system.
	GOOS string

	// GOARCH is the target architecture.
	GOARCH string

	// Mode is the build mode.
	Mode Mode
}

// DefaultTargets returns the default build matrix.
func DefaultTargets() []Target {
	return []Target{
		{Name: "linux-amd64", GOOS: "linux", GOARCH: "amd64", Mode: ModeShared},
		{Name: "linux-arm64", GOOS: "linux", GOARCH: "arm64", Mode: ModeShared},
		{Name: "darwin-amd64", GOOS: "darwin", GOARCH: "amd64", Mode: ModeShared},
		{Name: "darwin-arm64", GOOS: "darwin", GOARCH: "arm64", Mode: ModeShared},
		{Name: "windows-amd64", GOOS: "windows", GOARCH: "amd64", Mode: ModeShared},
		{Name: "android-arm64-v8a", GOOS: "android", GOARCH: "arm64", Mode: ModeShared},
		{Name: "android-x86_64", GOOS: "android", GOARCH: "amd64", Mode: ModeShared},
		{Name: "ios-arm64", GOOS: "ios", GOARCH: "arm64", Mode: ModeArchive},
		{Name: "ios-simulator-arm64", GOOS: "ios", GOARCH: "arm64", Mode: ModeArchive},
		{Name: "ios-simulator-amd64", GOOS: "ios", GOARCH: "amd64", Mode: ModeArchive},
	}
}

// ErrUnknownTarget indicates that [FindTarget] found no such target.
var ErrUnknownTarget = errors.New("nativelib: unknown target")

// FindTarget returns the target with the given name from targets.
func FindTarget(targets []Target, name string) (Target, error) {
	for _, target := range targets {
		if target.Name == name {
			return target, nil
		}
	}
	return Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
}

// LibraryFileName returns the file name of the library built for target.
func LibraryFileName(target Target) string {
	if target.Mode == ModeArchive {
		return "libkeqwest.a"
	}
	switch target.GOOS {
	case "windows":
		return "keqwest.dll"
	case "darwin":
		return "libkeqwest.dylib"
	default:
		return "libkeqwest.so"
	}
}

// OutputDir returns the directory containing the artifacts of target under root.
func OutputDir(root string, target Target) string {
	return filepath.Join(root, target.Name)
}

// BuildCommand returns the command building the package at pkg for
// target, writing the library into outDir.
//
// The returned command inherits the current environment.
func BuildCommand(target Target, pkg, outDir string) *exec.Cmd {
	cmd := exec.Command(
		"go", "build",
		"-buildmode="+string(target.Mode),
		"-trimpath",
		"-o", filepath.Join(outDir, LibraryFileName(target)),
		pkg,
	)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=1",
		"GOOS="+target.GOOS,
		"GOARCH="+target.GOARCH,
	)
	return cmd
}

// HashFile returns the lowercase hex MD5 digest of the file at path.
func HashFile(path string) (string, error) {
	filep, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer filep.Close()
	hasher := md5.New()
	if _, err := io.Copy(hasher, filep); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// WriteManifest hashes the library of target inside dir and writes the
// digest into the [HashFileName] manifest, returning the digest.
func WriteManifest(dir string, target Target) (string, error) {
	digest, err := HashFile(filepath.Join(dir, LibraryFileName(target)))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, HashFileName), []byte(digest), 0644); err != nil {
		return "", err
	}
	return digest, nil
}

// ErrHashMismatch indicates that the library does not match its manifest.
var ErrHashMismatch = errors.New("nativelib: library hash mismatch")

// Verify checks that the library of target inside dir matches the
// digest stored in the [HashFileName] manifest.
func Verify(dir string, target Target) error {
	data, err := os.ReadFile(filepath.Join(dir, HashFileName))
	if err != nil {
		return err
	}
	want := strings.ToLower(strings.TrimSpace(string(data)))
	got, err := HashFile(filepath.Join(dir, LibraryFileName(target)))
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: manifest %s, library %s", ErrHashMismatch, want, got)
	}
	return nil
}
