// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/kagg886/keqwest/internal/nativelib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run parses and runs the command line, returning what it printed.
func run(t *testing.T, out string, argv ...string) (string, error) {
	t.Helper()
	var args cli
	parser, err := kong.New(&args, kong.Name("keqwest-build"), kong.Vars{"version": "test"})
	require.NoError(t, err)
	ctx, err := parser.Parse(append([]string{"--out", out}, argv...))
	require.NoError(t, err)
	var stdout bytes.Buffer
	err = ctx.Run(&globals{
		logger: slog.New(slog.DiscardHandler),
		out:    args.Out,
		stdout: &stdout,
	})
	return stdout.String(), err
}

// targets prints one line per target of the matrix.
func TestTargetsCommand(t *testing.T) {
	output, err := run(t, t.TempDir(), "targets")

	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(output), "\n")
	assert.Len(t, lines, len(nativelib.DefaultTargets()))
	assert.Contains(t, output, "ios-arm64")
	assert.Contains(t, output, "keqwest.dll")
}

// verify checks the manifests of the selected targets.
func TestVerifyCommand(t *testing.T) {
	out := t.TempDir()
	target, err := nativelib.FindTarget(nativelib.DefaultTargets(), "linux-amd64")
	require.NoError(t, err)
	dir := nativelib.OutputDir(out, target)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, nativelib.LibraryFileName(target)), []byte("lib"), 0644))
	_, err = nativelib.WriteManifest(dir, target)
	require.NoError(t, err)

	_, err = run(t, out, "verify", "linux-amd64")
	require.NoError(t, err)

	_, err = run(t, out, "verify", "linux-amd64", "linux-arm64")
	require.ErrorContains(t, err, "1 of 2 targets failed verification")

	_, err = run(t, out, "verify", "beos-ppc")
	require.ErrorIs(t, err, nativelib.ErrUnknownTarget)
}

// selectTargets defaults to the whole matrix.
func TestSelectTargets(t *testing.T) {
	all, err := selectTargets(nil)
	require.NoError(t, err)
	assert.Equal(t, nativelib.DefaultTargets(), all)

	some, err := selectTargets([]string{"darwin-arm64", "windows-amd64"})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "windows-amd64", some[1].Name)
}
