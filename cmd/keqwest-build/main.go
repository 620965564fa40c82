// SPDX-License-Identifier: GPL-3.0-or-later

// Command keqwest-build builds the keqwest native library for each target
// and writes the hash manifest shipped next to it.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/kagg886/keqwest/internal/nativelib"
)

// Set by the release ldflags.
var version = "dev"

// cli holds the command-line arguments parsed by Kong.
type cli struct {
	LogLevel string `kong:"help='Log level: debug|info|warn|error.',default='info',env='KEQWEST_LOG_LEVEL'"`
	Out      string `kong:"short='o',help='Root output directory.',default='build/native',type='path'"`
	Version  kong.VersionFlag

	Targets targetsCmd `kong:"cmd,help='List the build targets.'"`
	Build   buildCmd   `kong:"cmd,help='Build the native library and write its hash manifest.'"`
	Verify  verifyCmd  `kong:"cmd,help='Verify built libraries against their hash manifests.'"`
}

// globals is the state shared by all subcommands.
type globals struct {
	logger *slog.Logger
	out    string
	stdout io.Writer
}

type targetsCmd struct{}

func (c *targetsCmd) Run(g *globals) error {
	for _, target := range nativelib.DefaultTargets() {
		fmt.Fprintf(g.stdout, "%-20s %-8s %-6s %-10s %s\n", target.Name, target.GOOS,
			target.GOARCH, target.Mode, nativelib.LibraryFileName(target))
	}
	return nil
}

type buildCmd struct {
	Package string   `kong:"help='Package to build.',default='./cmd/libkeqwest'"`
	Names   []string `kong:"arg,optional,name='target',help='Targets to build (default: all).'"`
}

func (c *buildCmd) Run(g *globals) error {
	targets, err := selectTargets(c.Names)
	if err != nil {
		return err
	}
	for _, target := range targets {
		dir := nativelib.OutputDir(g.out, target)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		cmd := nativelib.BuildCommand(target, c.Package, dir)
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
		g.logger.Info("buildStart", slog.String("target", target.Name), slog.String("cmd", strings.Join(cmd.Args, " ")))
		if err := cmd.Run(); err != nil {
			g.logger.Error("buildDone", slog.String("target", target.Name), slog.Any("err", err))
			return fmt.Errorf("build %s: %w", target.Name, err)
		}
		digest, err := nativelib.WriteManifest(dir, target)
		if err != nil {
			return fmt.Errorf("hash %s: %w", target.Name, err)
		}
		g.logger.Info("buildDone", slog.String("target", target.Name), slog.String("hash", digest))
	}
	return nil
}

type verifyCmd struct {
	Names []string `kong:"arg,optional,name='target',help='Targets to verify (default: all).'"`
}

func (c *verifyCmd) Run(g *globals) error {
	targets, err := selectTargets(c.Names)
	if err != nil {
		return err
	}
	var failed int
	for _, target := range targets {
		if err := nativelib.Verify(nativelib.OutputDir(g.out, target), target); err != nil {
			g.logger.Error("verify", slog.String("target", target.Name), slog.Any("err", err))
			failed++
			continue
		}
		g.logger.Info("verify", slog.String("target", target.Name), slog.String("result", "ok"))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d targets failed verification", failed, len(targets))
	}
	return nil
}

// selectTargets returns the named targets or the whole matrix when names is empty.
func selectTargets(names []string) ([]nativelib.Target, error) {
	all := nativelib.DefaultTargets()
	if len(names) <= 0 {
		return all, nil
	}
	var targets []nativelib.Target
	for _, name := range names {
		target, err := nativelib.FindTarget(all, name)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	var args cli
	ctx := kong.Parse(&args,
		kong.Name("keqwest-build"),
		kong.Description("Build the keqwest native library for each target."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&globals{
		logger: newLogger(args.LogLevel),
		out:    args.Out,
		stdout: os.Stdout,
	}))
}
