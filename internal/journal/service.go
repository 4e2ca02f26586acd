// Package journal mirrors applied edit deltas into one git repository per
// asset. Each section is a JSON-lines file and every delta is one commit, so
// section history is plain git log.
package journal

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"montage/api/internal/domain"
	"montage/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	branchName   = "main"
	sectionsDir  = "sections"
	trailerField = "section: "
)

// Entry is one journaled delta as stored in a section file.
type Entry struct {
	ChangeID   string          `json:"change_id"`
	SessionID  string          `json:"session_id"`
	IdentityID string          `json:"identity_id"`
	Delta      json.RawMessage `json:"delta"`
	CreatedAt  time.Time       `json:"created_at"`
}

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

// AppendChange commits change to its section file, creating the asset
// repository on first use.
func (s *Service) AppendChange(_ context.Context, change store.EditChange) error {
	lock := s.assetLock(change.AssetID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(change.AssetID)
	if err != nil {
		return err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	line, err := json.Marshal(Entry{
		ChangeID:   change.ID,
		SessionID:  change.SessionID,
		IdentityID: change.IdentityID,
		Delta:      change.Delta,
		CreatedAt:  change.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	rel := sectionPath(change.SectionID)
	abs := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create sections dir: %w", err)
	}
	file, err := os.OpenFile(abs, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open section file: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		file.Close()
		return fmt.Errorf("append section file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close section file: %w", err)
	}

	if _, err := worktree.Add(rel); err != nil {
		return fmt.Errorf("git add section: %w", err)
	}
	when := change.CreatedAt
	if when.IsZero() {
		when = time.Now()
	}
	message := fmt.Sprintf("edit %s\n\n%s%s\nchange: %s\nsession: %s", change.SectionID, trailerField, change.SectionID, change.ID, change.SessionID)
	if _, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  change.IdentityID,
			Email: fmt.Sprintf("%s@local.montage.dev", sanitizeEmail(change.IdentityID)),
			When:  when,
		},
	}); err != nil {
		return fmt.Errorf("commit change: %w", err)
	}
	return nil
}

// History lists commits newest first, limited to one section when sectionID
// is set. Assets without a journal have an empty history.
func (s *Service) History(assetID, sectionID string, limit int) ([]store.CommitInfo, error) {
	lock := s.assetLock(assetID)
	lock.Lock()
	defer lock.Unlock()

	repo, head, err := s.openHead(assetID)
	if err != nil || repo == nil {
		return []store.CommitInfo{}, err
	}

	opts := &git.LogOptions{From: head}
	if sectionID != "" {
		rel := sectionPath(sectionID)
		opts.FileName = &rel
	}
	iter, err := repo.Log(opts)
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

// Entries replays the section file at rev (a hash prefix, tag or branch;
// empty means the current head).
func (s *Service) Entries(assetID, sectionID, rev string) ([]Entry, error) {
	lock := s.assetLock(assetID)
	lock.Lock()
	defer lock.Unlock()

	repo, head, err := s.openHead(assetID)
	if err != nil || repo == nil {
		return []Entry{}, err
	}
	hash := head
	if rev != "" {
		if hash, err = resolveHash(repo, rev); err != nil {
			return nil, err
		}
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", rev, err)
	}
	file, err := commitObj.File(sectionPath(sectionID))
	if errors.Is(err, object.ErrFileNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load section from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open section reader: %w", err)
	}
	defer reader.Close()

	entries := make([]Entry, 0)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan section file: %w", err)
	}
	return entries, nil
}

// Head returns the latest commit of the asset journal. ok is false when the
// asset has no journal yet.
func (s *Service) Head(assetID string) (info store.CommitInfo, ok bool, err error) {
	lock := s.assetLock(assetID)
	lock.Lock()
	defer lock.Unlock()

	repo, head, err := s.openHead(assetID)
	if err != nil || repo == nil {
		return store.CommitInfo{}, false, err
	}
	commitObj, err := repo.CommitObject(head)
	if err != nil {
		return store.CommitInfo{}, false, fmt.Errorf("read head commit: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// Tag points name at the current head. Existing tags are left alone.
func (s *Service) Tag(assetID, name, message string) error {
	lock := s.assetLock(assetID)
	lock.Lock()
	defer lock.Unlock()

	repo, head, err := s.openHead(assetID)
	if err != nil {
		return err
	}
	if repo == nil {
		return nil
	}
	_, err = repo.CreateTag(name, head, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Montage",
			Email: "montage@localhost",
			When:  time.Now(),
		},
		Message: message,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(assetID string) string {
	return filepath.Join(s.baseDir, safeSegment(assetID))
}

func (s *Service) assetLock(assetID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[assetID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[assetID] = lock
	return lock
}

func (s *Service) openOrInit(assetID string) (*git.Repository, error) {
	dir := s.repoPath(assetID)
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branchName, err)
	}
	return repo, nil
}

// openHead returns a nil repository when the asset has no commits yet.
func (s *Service) openHead(assetID string) (*git.Repository, plumbing.Hash, error) {
	repo, err := git.PlainOpen(s.repoPath(assetID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, plumbing.ZeroHash, nil
	}
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, plumbing.ZeroHash, nil
	}
	if err != nil {
		return nil, plumbing.ZeroHash, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	return repo, ref.Hash(), nil
}

func sectionPath(sectionID string) string {
	return path.Join(sectionsDir, safeSegment(sectionID)+".jsonl")
}

// safeSegment keeps plain identifiers readable and hex-encodes anything that
// could escape the directory or collide after sanitizing.
func safeSegment(id string) string {
	if id != "" && id != "." && id != ".." {
		plain := true
		for _, r := range id {
			if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
				plain = false
				break
			}
		}
		if plain && !strings.HasPrefix(id, "x-") {
			return id
		}
	}
	return "x-" + hex.EncodeToString([]byte(id))
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.SplitN(commitObj.Message, "\n", 2)[0],
		Author:    commitObj.Author.Name,
		SectionID: sectionFromMessage(commitObj.Message),
		CreatedAt: commitObj.Author.When,
	}
}

func sectionFromMessage(message string) string {
	for _, line := range strings.Split(message, "\n") {
		if strings.HasPrefix(line, trailerField) {
			return strings.TrimPrefix(line, trailerField)
		}
	}
	return ""
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, domain.NotFound("revision", hash)
	}
	return *resolved, nil
}
