// Package worktree enumerates and manages the git worktrees agents run in.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// gitTimeout bounds each git invocation.
const gitTimeout = 30 * time.Second

// Checkout is one managed checkout directory.
type Checkout struct {
	// Name is the directory name, which is the owning agent's name.
	Name string `json:"name"`
	Path string `json:"path"`
	// Branch is empty when git does not know the directory as a worktree.
	Branch string `json:"branch,omitempty"`
	// Registered reports whether `git worktree list` includes the path.
	Registered bool `json:"registered"`
}

// Info holds parsed worktree metadata from `git worktree list --porcelain`.
type Info struct {
	Path   string
	Branch string
	HEAD   string
}

// Manager binds the worktree operations to one repository and its managed
// checkout directory.
type Manager struct {
	RepoRoot    string
	ManagedRoot string
}

// NewManager returns a Manager for repoRoot with checkouts under managedRoot.
func NewManager(repoRoot, managedRoot string) *Manager {
	return &Manager{RepoRoot: repoRoot, ManagedRoot: managedRoot}
}

// List returns the managed checkouts.
func (m *Manager) List(ctx context.Context) ([]Checkout, error) {
	return List(ctx, m.RepoRoot, m.ManagedRoot)
}

// Remove deletes a managed checkout.
func (m *Manager) Remove(ctx context.Context, path string) error {
	return Remove(ctx, m.RepoRoot, path)
}

// Add creates the checkout for agentName on branch and returns its path.
func (m *Manager) Add(ctx context.Context, agentName, branch, base string) (string, error) {
	path := filepath.Join(m.ManagedRoot, agentName)
	return path, Add(ctx, m.RepoRoot, path, branch, base)
}

// List enumerates the directories under managedRoot and enriches them with
// branch names from `git worktree list --porcelain`. repoRoot must exist; a
// missing managedRoot under it yields no checkouts. Git failing is not
// fatal: the directory listing is the source of truth and the checkouts are
// returned without branches.
func List(ctx context.Context, repoRoot, managedRoot string) ([]Checkout, error) {
	info, err := os.Stat(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", repoRoot)
	}

	entries, err := os.ReadDir(managedRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing checkouts in %s: %w", managedRoot, err)
	}

	registered := map[string]Info{}
	if out, err := git(ctx, repoRoot, "worktree", "list", "--porcelain"); err == nil {
		for _, info := range ParseWorktreeListPorcelain(out) {
			registered[cleanPath(info.Path)] = info
		}
	}

	var checkouts []Checkout
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(managedRoot, e.Name())
		c := Checkout{Name: e.Name(), Path: path}
		if info, ok := registered[cleanPath(path)]; ok {
			c.Branch = info.Branch
			c.Registered = true
		}
		checkouts = append(checkouts, c)
	}
	sort.Slice(checkouts, func(i, j int) bool { return checkouts[i].Name < checkouts[j].Name })
	return checkouts, nil
}

// Remove force-removes the worktree at path and prunes git's bookkeeping.
// A directory git does not know about is deleted directly. Removing a path
// that is already gone is not an error.
func Remove(ctx context.Context, repoRoot, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_, _ = git(ctx, repoRoot, "worktree", "prune")
		return nil
	}
	if _, err := git(ctx, repoRoot, "worktree", "remove", "--force", path); err != nil {
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("removing checkout %s: %w", path, errors.Join(err, rmErr))
		}
	}
	_, _ = git(ctx, repoRoot, "worktree", "prune")
	return nil
}

// Add creates a worktree at path. The branch is created from base when it
// does not exist yet.
func Add(ctx context.Context, repoRoot, path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating checkout parent: %w", err)
	}
	var args []string
	if BranchExists(ctx, repoRoot, branch) {
		args = []string{"worktree", "add", path, branch}
	} else {
		args = []string{"worktree", "add", "-b", branch, path}
		if base != "" {
			args = append(args, base)
		}
	}
	if _, err := git(ctx, repoRoot, args...); err != nil {
		return err
	}
	return nil
}

// BranchExists reports whether refs/heads/branch exists in repoRoot.
func BranchExists(ctx context.Context, repoRoot, branch string) bool {
	_, err := git(ctx, repoRoot, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []Info {
	var worktrees []Info
	var current Info

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Info{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	fullArgs := append([]string{"-C", dir}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// cleanPath resolves symlinks so /tmp and /private/tmp compare equal on macOS.
func cleanPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}
