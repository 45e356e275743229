package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ducklets/api/internal/crdt"
	"ducklets/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	mainBranch     = "main"
	autosaveAuthor = "ducklets"
	autosaveMsg    = "Autosave"
)

var ErrNoHistory = errors.New("room has no history")

// fieldFiles maps each document field to the file it is archived in.
var fieldFiles = []struct {
	field crdt.Field
	name  string
}{
	{crdt.FieldHead, "head.html"},
	{crdt.FieldHTML, "body.html"},
	{crdt.FieldCSS, "style.css"},
	{crdt.FieldJS, "script.js"},
}

// Service archives room snapshots as commits in one git repository per room.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// SaveSnapshot lets the archive act as a persistence sink.
func (s *Service) SaveSnapshot(_ context.Context, roomID string, snapshot crdt.Snapshot) error {
	_, _, err := s.CommitSnapshot(roomID, snapshot, autosaveAuthor, autosaveMsg)
	return err
}

// CommitSnapshot records snapshot on main. It reports false and makes no
// commit when the content matches the current head.
func (s *Service) CommitSnapshot(roomID string, snapshot crdt.Snapshot, author, message string) (store.CommitInfo, bool, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(roomID)
	if err != nil {
		return store.CommitInfo{}, false, err
	}

	if head, err := repo.Head(); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return store.CommitInfo{}, false, fmt.Errorf("load head commit: %w", err)
		}
		current, err := readSnapshotFromCommit(commitObj)
		if err != nil {
			return store.CommitInfo{}, false, err
		}
		if current == snapshot {
			return toCommitInfo(commitObj), false, nil
		}
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return store.CommitInfo{}, false, fmt.Errorf("resolve head: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()
	for _, ff := range fieldFiles {
		if err := os.WriteFile(filepath.Join(root, ff.name), []byte(snapshot.Get(ff.field)), 0o644); err != nil {
			return store.CommitInfo{}, false, fmt.Errorf("write %s: %w", ff.name, err)
		}
		if _, err := worktree.Add(ff.name); err != nil {
			return store.CommitInfo{}, false, fmt.Errorf("git add %s: %w", ff.name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.ducklets.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("commit snapshot: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// Head returns the latest archived snapshot of a room.
func (s *Service) Head(roomID string) (crdt.Snapshot, store.CommitInfo, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(roomID)
	if err != nil {
		return crdt.Snapshot{}, store.CommitInfo{}, err
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return crdt.Snapshot{}, store.CommitInfo{}, ErrNoHistory
		}
		return crdt.Snapshot{}, store.CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return crdt.Snapshot{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	snapshot, err := readSnapshotFromCommit(commitObj)
	if err != nil {
		return crdt.Snapshot{}, store.CommitInfo{}, err
	}
	return snapshot, toCommitInfo(commitObj), nil
}

func (s *Service) SnapshotByHash(roomID, hash string) (crdt.Snapshot, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(roomID)
	if err != nil {
		return crdt.Snapshot{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return crdt.Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return crdt.Snapshot{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readSnapshotFromCommit(commitObj)
}

// History lists commits newest first. A room that was never archived has
// an empty history.
func (s *Service) History(roomID string, limit int) ([]store.CommitInfo, error) {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(roomID)
	if errors.Is(err, ErrNoHistory) {
		return []store.CommitInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []store.CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
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

// Tag names a commit, for example a published version of a ducklet.
func (s *Service) Tag(roomID, hash, name string) error {
	lock := s.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(roomID)
	if err != nil {
		return err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, resolved, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  autosaveAuthor,
			Email: "ducklets@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(roomID string) string {
	return filepath.Join(s.baseDir, roomID)
}

func (s *Service) roomLock(roomID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[roomID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[roomID] = lock
	return lock
}

func (s *Service) open(roomID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(roomID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(roomID string) (*git.Repository, error) {
	repo, err := s.open(roomID)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoHistory) {
		return nil, err
	}

	path := s.repoPath(roomID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	// The first commit creates main through this symbolic HEAD.
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func readSnapshotFromCommit(commitObj *object.Commit) (crdt.Snapshot, error) {
	var snapshot crdt.Snapshot
	for _, ff := range fieldFiles {
		file, err := commitObj.File(ff.name)
		if errors.Is(err, object.ErrFileNotFound) {
			continue
		}
		if err != nil {
			return crdt.Snapshot{}, fmt.Errorf("load %s from commit: %w", ff.name, err)
		}
		contents, err := file.Contents()
		if err != nil {
			return crdt.Snapshot{}, fmt.Errorf("read %s: %w", ff.name, err)
		}
		snapshot = snapshot.With(ff.field, contents)
	}
	return snapshot, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
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

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
