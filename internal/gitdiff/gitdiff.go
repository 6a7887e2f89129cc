// Package gitdiff is a read-only facade over a Git working tree. It resolves
// branches and computes file lists, per-file unified diffs, line-range reads,
// and the delta diffs used during fix verification.
package gitdiff

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/pkg/models"
)

// Reader executes git against a working tree. All operations are stateless
// and reentrant.
type Reader struct{}

// NewReader returns a repository reader.
func NewReader() *Reader { return &Reader{} }

// RepoInfo is the result of validating a candidate repository path.
type RepoInfo struct {
	Valid         bool   `json:"valid"`
	Root          string `json:"root"`
	CurrentBranch string `json:"current_branch"`
}

// Branch is one local or remote branch head.
type Branch struct {
	Name string `json:"name"`
	Type string `json:"type"` // local | remote
}

// Line is a single numbered source line.
type Line struct {
	Number  int    `json:"number"`
	Content string `json:"content"`
}

func (r *Reader) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		var stderr string
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(ee.Stderr))
		}
		return "", fault.Wrap(fault.Repo, err, "git %s failed", args[0]).With("stderr", stderr)
	}
	return string(out), nil
}

// Validate checks that path is a Git working tree and reports its root and
// current branch.
func (r *Reader) Validate(ctx context.Context, path string) (RepoInfo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return RepoInfo{}, fault.Wrap(fault.Repo, err, "invalid_path")
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return RepoInfo{}, fault.New(fault.Repo, "invalid_path").With("path", path)
	}
	root, err := r.git(ctx, abs, "rev-parse", "--show-toplevel")
	if err != nil {
		return RepoInfo{}, fault.New(fault.Repo, "not_a_repo").With("path", path)
	}
	branch, err := r.git(ctx, abs, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		branch = ""
	}
	return RepoInfo{
		Valid:         true,
		Root:          strings.TrimSpace(root),
		CurrentBranch: strings.TrimSpace(branch),
	}, nil
}

// Branches lists local and remote branch heads.
func (r *Reader) Branches(ctx context.Context, root string) ([]Branch, error) {
	out, err := r.git(ctx, root, "branch", "--all", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var branches []Branch
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasSuffix(name, "/HEAD") {
			continue
		}
		typ := "local"
		if strings.HasPrefix(name, "origin/") || strings.HasPrefix(name, "remotes/") {
			typ = "remote"
		}
		branches = append(branches, Branch{Name: name, Type: typ})
	}
	return branches, nil
}

// Files computes the ordered changed-file list between base and head.
func (r *Reader) Files(ctx context.Context, root, base, head string) ([]models.DiffFile, error) {
	spec := fmt.Sprintf("%s...%s", base, head)

	numstat, err := r.git(ctx, root, "diff", spec, "--numstat")
	if err != nil {
		return nil, refError(err, base, head)
	}
	raw, err := r.git(ctx, root, "diff", spec)
	if err != nil {
		return nil, refError(err, base, head)
	}
	return ParseFiles(numstat, raw)
}

// ParseFiles merges numstat counts with statuses parsed from a unified diff.
func ParseFiles(numstat, raw string) ([]models.DiffFile, error) {
	type stat struct{ adds, dels int }
	stats := make(map[string]stat)
	var order []string

	scanner := bufio.NewScanner(strings.NewReader(numstat))
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), "\t", 3)
		if len(fields) != 3 {
			continue
		}
		adds, _ := strconv.Atoi(fields[0])
		dels, _ := strconv.Atoi(fields[1])
		path := fields[2]
		// Rename entries look like "old => new" or "{a => b}/rest".
		if idx := strings.Index(path, " => "); idx >= 0 && !strings.Contains(path, "{") {
			path = path[idx+4:]
		}
		stats[path] = stat{adds, dels}
		order = append(order, path)
	}

	status := make(map[string]string)
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err == nil {
		for _, f := range parsed {
			name := f.NewName
			if name == "" {
				name = f.OldName
			}
			switch {
			case f.IsNew:
				status[name] = "added"
			case f.IsDelete:
				status[f.OldName] = "deleted"
			case f.IsRename:
				status[name] = "renamed"
			default:
				status[name] = "modified"
			}
		}
	}

	files := make([]models.DiffFile, 0, len(order))
	for _, path := range order {
		st := status[path]
		if st == "" {
			st = "modified"
		}
		files = append(files, models.DiffFile{
			Path:      path,
			Status:    st,
			Additions: stats[path].adds,
			Deletions: stats[path].dels,
		})
	}
	return files, nil
}

// Diff returns the unified diff for one file, or empty when unchanged.
func (r *Reader) Diff(ctx context.Context, root, base, head, path string) (string, error) {
	if _, err := r.resolveInRoot(root, path); err != nil {
		return "", err
	}
	out, err := r.git(ctx, root, "diff", fmt.Sprintf("%s...%s", base, head), "--", path)
	if err != nil {
		return "", refError(err, base, head)
	}
	return out, nil
}

// Delta computes the file-scoped diff between two heads, used during
// verification. Empty paths means all files.
func (r *Reader) Delta(ctx context.Context, root, prevHead, newHead string, paths []string) ([]models.DiffFile, string, error) {
	args := []string{"diff", prevHead + ".." + newHead}
	numArgs := []string{"diff", prevHead + ".." + newHead, "--numstat"}
	if len(paths) > 0 {
		args = append(args, "--")
		numArgs = append(numArgs, "--")
		args = append(args, paths...)
		numArgs = append(numArgs, paths...)
	}
	numstat, err := r.git(ctx, root, numArgs...)
	if err != nil {
		return nil, "", refError(err, prevHead, newHead)
	}
	raw, err := r.git(ctx, root, args...)
	if err != nil {
		return nil, "", refError(err, prevHead, newHead)
	}
	files, err := ParseFiles(numstat, raw)
	return files, raw, err
}

// Read returns the inclusive line range [start, end] of path at head.
// A zero start defaults to 1 and a zero end to the last line.
func (r *Reader) Read(ctx context.Context, root, head, path string, start, end int) ([]Line, error) {
	rel, err := r.resolveInRoot(root, path)
	if err != nil {
		return nil, err
	}
	if start < 0 || end < 0 || (start > 0 && end > 0 && end < start) {
		return nil, fault.New(fault.Repo, "range_invalid").
			With("start", start).With("end", end)
	}
	out, err := r.git(ctx, root, "show", head+":"+filepath.ToSlash(rel))
	if err != nil {
		return nil, fault.New(fault.Repo, "no_such_path").With("path", path)
	}

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if start == 0 {
		start = 1
	}
	if end == 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		return nil, fault.New(fault.Repo, "range_invalid").
			With("start", start).With("total", len(lines))
	}

	result := make([]Line, 0, end-start+1)
	for i := start; i <= end; i++ {
		result = append(result, Line{Number: i, Content: lines[i-1]})
	}
	return result, nil
}

// resolveInRoot rejects paths escaping the repository root and returns the
// root-relative path.
func (r *Reader) resolveInRoot(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fault.Wrap(fault.Repo, err, "not_a_repo")
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	target = filepath.Clean(target)
	rel, err := filepath.Rel(absRoot, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fault.New(fault.Repo, "no_such_path").
			With("path", path).With("reason", "outside repository root")
	}
	return rel, nil
}

func refError(err error, refs ...string) error {
	if fe, ok := err.(*fault.Error); ok {
		if stderr, _ := fe.Context["stderr"].(string); strings.Contains(stderr, "unknown revision") ||
			strings.Contains(stderr, "bad revision") {
			return fault.New(fault.Repo, "no_such_ref").With("refs", strings.Join(refs, ".."))
		}
	}
	return err
}

// Hunk is a unified-diff hunk range used for targeted exploration.
type Hunk struct {
	OldStart int `json:"old_start"`
	OldLines int `json:"old_lines"`
	NewStart int `json:"new_start"`
	NewLines int `json:"new_lines"`
}

// Hunks extracts hunk ranges from a unified diff.
func Hunks(raw string) []Hunk {
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil
	}
	var hunks []Hunk
	for _, f := range parsed {
		for _, frag := range f.TextFragments {
			hunks = append(hunks, Hunk{
				OldStart: int(frag.OldPosition),
				OldLines: int(frag.OldLines),
				NewStart: int(frag.NewPosition),
				NewLines: int(frag.NewLines),
			})
		}
	}
	return hunks
}
