// Package gitrepo archives project version snapshots as commits in one git
// repository per project. Every archived version is tagged v<N>.
package gitrepo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"tandem/api/internal/store"
)

var (
	ErrNoArchive   = errors.New("project has no archive")
	ErrInvalidPath = errors.New("invalid snapshot path")
)

type Archive struct {
	baseDir string
	now     func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func New(baseDir string) *Archive {
	return &Archive{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

func TagName(version int) string {
	return fmt.Sprintf("v%d", version)
}

// CommitSnapshot makes the worktree match snapshot exactly, commits it and
// tags the commit with TagName(version). The repository is created on first
// use.
func (a *Archive) CommitSnapshot(projectID string, version int, snapshot map[string]string, author, message string) (store.CommitInfo, error) {
	for name := range snapshot {
		if err := validatePath(name); err != nil {
			return store.CommitInfo{}, err
		}
	}

	lock := a.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(projectID)
	if err != nil {
		return store.CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	if err := removeStale(repo, worktree, snapshot); err != nil {
		return store.CommitInfo{}, err
	}

	root := worktree.Filesystem.Root()
	names := sortedKeys(snapshot)
	for _, name := range names {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return store.CommitInfo{}, fmt.Errorf("create dir for %s: %w", name, err)
		}
		if err := os.WriteFile(full, []byte(snapshot[name]), 0o644); err != nil {
			return store.CommitInfo{}, fmt.Errorf("write %s: %w", name, err)
		}
		if _, err := worktree.Add(name); err != nil {
			return store.CommitInfo{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	if strings.TrimSpace(message) == "" {
		message = "Snapshot " + TagName(version)
	}
	when := a.now()
	signature := &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@users.tandem.local", sanitizeEmail(author)),
		When:  when,
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature,
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	tag := TagName(version)
	// a reused archive directory may already hold the tag from an older store
	if _, err := repo.Tag(tag); err == nil {
		if err := repo.DeleteTag(tag); err != nil {
			return store.CommitInfo{}, fmt.Errorf("replace tag %s: %w", tag, err)
		}
	}
	if _, err := repo.CreateTag(tag, hash, &git.CreateTagOptions{
		Tagger:  signature,
		Message: message,
	}); err != nil {
		return store.CommitInfo{}, fmt.Errorf("create tag %s: %w", tag, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	info := toCommitInfo(commitObj)
	info.Tags = []string{tag}
	return info, nil
}

// History lists archived commits newest first. limit <= 0 means no limit.
func (a *Archive) History(projectID string, limit int) ([]store.CommitInfo, error) {
	lock := a.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(projectID)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	tags, err := tagsByCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		info := toCommitInfo(commitObj)
		info.Tags = tags[commitObj.Hash]
		items = append(items, info)
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// SnapshotAt reads back the files committed for version.
func (a *Archive) SnapshotAt(projectID string, version int) (map[string]string, error) {
	lock := a.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.open(projectID)
	if err != nil {
		return nil, err
	}
	commitObj, err := commitForTag(repo, TagName(version))
	if err != nil {
		return nil, err
	}

	files, err := commitObj.Files()
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	snapshot := make(map[string]string)
	err = files.ForEach(func(file *object.File) error {
		contents, err := file.Contents()
		if err != nil {
			return fmt.Errorf("read %s: %w", file.Name, err)
		}
		snapshot[file.Name] = contents
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (a *Archive) repoPath(projectID string) string {
	return filepath.Join(a.baseDir, projectID)
}

func (a *Archive) projectLock(projectID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[projectID] = lock
	return lock
}

func (a *Archive) open(projectID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(a.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoArchive
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (a *Archive) openOrInit(projectID string) (*git.Repository, error) {
	repo, err := a.open(projectID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoArchive) {
		return nil, err
	}

	path := a.repoPath(projectID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

// removeStale deletes files tracked at HEAD that the snapshot no longer has.
func removeStale(repo *git.Repository, worktree *git.Worktree, snapshot map[string]string) error {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("read head commit: %w", err)
	}
	files, err := commitObj.Files()
	if err != nil {
		return fmt.Errorf("list head files: %w", err)
	}
	return files.ForEach(func(file *object.File) error {
		if _, keep := snapshot[file.Name]; keep {
			return nil
		}
		if _, err := worktree.Remove(file.Name); err != nil {
			return fmt.Errorf("git rm %s: %w", file.Name, err)
		}
		return nil
	})
}

func commitForTag(repo *git.Repository, name string) (*object.Commit, error) {
	ref, err := repo.Tag(name)
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("tag %s: %w", name, ErrNoArchive)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", name, err)
	}
	return resolveTagCommit(repo, ref)
}

func resolveTagCommit(repo *git.Repository, ref *plumbing.Reference) (*object.Commit, error) {
	tagObj, err := repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		return tagObj.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return repo.CommitObject(ref.Hash())
	default:
		return nil, fmt.Errorf("read tag object: %w", err)
	}
}

func tagsByCommit(repo *git.Repository) (map[plumbing.Hash][]string, error) {
	iter, err := repo.Tags()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	out := make(map[plumbing.Hash][]string)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		commitObj, err := resolveTagCommit(repo, ref)
		if err != nil {
			return err
		}
		out[commitObj.Hash] = append(out[commitObj.Hash], ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, err
	}
	for hash := range out {
		sort.Strings(out[hash])
	}
	return out, nil
}

func validatePath(name string) error {
	if name == "" || strings.Contains(name, "\\") || path.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	clean := path.Clean(name)
	if clean != name || clean == "." || strings.HasPrefix(clean, "../") || clean == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
