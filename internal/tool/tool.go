// Package tool invokes the external unpack/repack command.
package tool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner is the contract with the external archive tool. Unpack produces a
// complete directory tree under destDir or fails leaving a removable
// partial state; Repack consumes a tree and produces a single archive file.
type Runner interface {
	Unpack(ctx context.Context, archivePath, destDir string) error
	Repack(ctx context.Context, srcDir, outputPath string) error
}

// CmdRunner shells out to an apktool-compatible binary:
//
//	<bin> d <archive> -o <dest> -f
//	<bin> b <src> -o <out>
type CmdRunner struct {
	Bin string
}

func (r CmdRunner) bin() string {
	if r.Bin == "" {
		return "apktool"
	}
	return r.Bin
}

func (r CmdRunner) Unpack(ctx context.Context, archivePath, destDir string) error {
	return r.run(ctx, "unpack", "d", archivePath, "-o", destDir, "-f")
}

func (r CmdRunner) Repack(ctx context.Context, srcDir, outputPath string) error {
	return r.run(ctx, "repack", "b", srcDir, "-o", outputPath)
}

func (r CmdRunner) run(ctx context.Context, verb string, args ...string) error {
	cmd := exec.CommandContext(ctx, r.bin(), args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%s %s failed (exit code %d): %s", r.bin(), verb, exitCode, msg)
	}
	return nil
}
