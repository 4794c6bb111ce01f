// Package vcs wraps the git CLI for the Version-Control Adapter (C4): every
// mutation the orchestrator makes to the working tree goes through here so
// session isolation, ref capture, and rollback all dispatch the same way.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const maxStderrBytes = 4096

// limitedWriter caps writes at maxBytes, discarding overflow so a runaway
// git process can't exhaust memory via stderr.
type limitedWriter struct {
	buf      bytes.Buffer
	maxBytes int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := w.maxBytes - w.buf.Len()
	if remaining <= 0 {
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	w.buf.Write(p)
	return n, nil
}

// Repo wraps git operations rooted at Dir. No shell is ever invoked; args
// are passed directly to exec.CommandContext.
type Repo struct {
	Dir string
}

// Open returns a Repo rooted at dir after confirming git is on PATH and dir
// is inside a work tree.
func Open(ctx context.Context, dir string) (*Repo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	r := &Repo{Dir: dir}
	if _, err := r.run(ctx, "rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, fmt.Errorf("%s is not a git work tree: %w", dir, err)
	}
	return r, nil
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context expired before git exec: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // G204: args are static git subcommands plus caller-controlled refs/paths, never shell-interpreted
	cmd.Dir = r.Dir
	cmd.Env = os.Environ()

	var stdout bytes.Buffer
	stderrW := &limitedWriter{maxBytes: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderrW

	if err := cmd.Run(); err != nil {
		msg := stderrW.buf.String()
		if stderrW.buf.Len() >= stderrW.maxBytes {
			msg += " (truncated)"
		}
		return "", fmt.Errorf("git %s failed: %w (stderr: %s)", strings.Join(args, " "), err, msg)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CurrentRef returns the current commit SHA, used as a change plan's start_ref.
func (r *Repo) CurrentRef(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

// CreateBranch creates and checks out an isolated branch for a session, off
// of base (empty means current HEAD).
func (r *Repo) CreateBranch(ctx context.Context, name, base string) error {
	args := []string{"checkout", "-b", name}
	if base != "" {
		args = append(args, base)
	}
	_, err := r.run(ctx, args...)
	return err
}

// Checkout switches the work tree to ref.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", ref)
	return err
}

// AddAll stages every pending change.
func (r *Repo) AddAll(ctx context.Context) error {
	_, err := r.run(ctx, "add", "-A")
	return err
}

// Commit creates a commit with message and returns the new SHA. Returns
// ErrNothingToCommit if there were no staged changes.
func (r *Repo) Commit(ctx context.Context, message string) (string, error) {
	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return "", ErrNothingToCommit
		}
		return "", err
	}
	return r.CurrentRef(ctx)
}

// ErrNothingToCommit is returned by Commit when the work tree has no staged changes.
var ErrNothingToCommit = errors.New("vcs: nothing to commit")

// RestoreFileFromRef restores a single path's content from ref — the primitive
// the Change-Plan Engine's rollback uses for "restore_from_ref" actions.
func (r *Repo) RestoreFileFromRef(ctx context.Context, path, ref string) error {
	_, err := r.run(ctx, "checkout", ref, "--", path)
	return err
}

// RemoveFile deletes path from the work tree and the index — the primitive
// behind "delete" rollback actions for files that were newly created.
func (r *Repo) RemoveFile(ctx context.Context, path string) error {
	_, err := r.run(ctx, "rm", "-f", "--", path)
	return err
}

// DiffNameStatus returns the paths that differ between ref and the current
// work tree (including uncommitted changes and new, never-added files), each
// with its single-letter status (A/M/D) — used to structurally compare the
// working tree against a plan's declared file list after execution, before
// anything is committed.
func (r *Repo) DiffNameStatus(ctx context.Context, ref string) (map[string]string, error) {
	// git diff against a ref ignores untracked files by default; mark them
	// intent-to-add first so newly created files show up as "A" too.
	if _, err := r.run(ctx, "add", "-N", "-A"); err != nil {
		return nil, fmt.Errorf("mark untracked paths intent-to-add: %w", err)
	}

	out, err := r.run(ctx, "diff", "--name-status", ref)
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	if out == "" {
		return result, nil
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		result[fields[1]] = fields[0]
	}
	return result, nil
}

// IsClean reports whether the work tree has no uncommitted changes.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}
