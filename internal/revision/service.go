// Package revision keeps named revisions of floor plans in one git
// repository per plan. Each revision is a commit of plan.json plus an
// annotated tag carrying the revision name.
package revision

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"k8s.io/utils/clock"

	"plixmap/api/internal/protocol"
)

const planFile = "plan.json"

var (
	ErrExists      = errors.New("revision already exists")
	ErrNotFound    = errors.New("revision not found")
	ErrInvalidName = errors.New("revision name is required")
)

type Revision struct {
	Name      string    `json:"name"`
	Tag       string    `json:"tag"`
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	clock   clock.PassiveClock
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string, clk clock.PassiveClock) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		baseDir: baseDir,
		clock:   clk,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records plan as a named revision.
func (s *Service) Commit(plan protocol.FloorPlan, name, author string) (Revision, error) {
	name = strings.TrimSpace(name)
	tag := tagName(name)
	if tag == "" {
		return Revision{}, ErrInvalidName
	}
	lock := s.planLock(plan.ID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(plan.ID)
	if err != nil {
		return Revision{}, err
	}
	if _, err := repo.Tag(tag); err == nil {
		return Revision{}, ErrExists
	} else if !errors.Is(err, git.ErrTagNotFound) {
		return Revision{}, fmt.Errorf("lookup tag %s: %w", tag, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return Revision{}, fmt.Errorf("marshal plan: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), planFile), append(payload, '\n'), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", planFile, err)
	}
	if _, err := worktree.Add(planFile); err != nil {
		return Revision{}, fmt.Errorf("git add plan: %w", err)
	}

	sig := &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@plixmap.local", sanitizeEmail(author)),
		When:  s.clock.Now(),
	}
	// Naming an unchanged plan is still a revision.
	hash, err := worktree.Commit(name, &git.CommitOptions{Author: sig, AllowEmptyCommits: true})
	if err != nil {
		return Revision{}, fmt.Errorf("commit plan: %w", err)
	}
	if _, err := repo.CreateTag(tag, hash, &git.CreateTagOptions{Tagger: sig, Message: name}); err != nil {
		return Revision{}, fmt.Errorf("create tag: %w", err)
	}
	return Revision{Name: name, Tag: tag, Hash: hash.String()[:7], Author: author, CreatedAt: sig.When}, nil
}

// List returns the revisions of a plan, newest first.
func (s *Service) List(planID string, limit int) ([]Revision, error) {
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(planID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	iter, err := repo.TagObjects()
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(tag *object.Tag) error {
		items = append(items, Revision{
			Name:      strings.TrimSpace(tag.Message),
			Tag:       tag.Name,
			Hash:      tag.Target.String()[:7],
			Author:    tag.Tagger.Name,
			CreatedAt: tag.Tagger.When,
		})
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate tags: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Get loads the plan as it was at the named revision.
func (s *Service) Get(planID, name string) (protocol.FloorPlan, error) {
	lock := s.planLock(planID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(planID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return protocol.FloorPlan{}, ErrNotFound
	}
	if err != nil {
		return protocol.FloorPlan{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Tag(tagName(name))
	if errors.Is(err, git.ErrTagNotFound) {
		return protocol.FloorPlan{}, ErrNotFound
	}
	if err != nil {
		return protocol.FloorPlan{}, fmt.Errorf("resolve tag: %w", err)
	}
	commitObj, err := taggedCommit(repo, ref.Hash())
	if err != nil {
		return protocol.FloorPlan{}, fmt.Errorf("read tagged commit: %w", err)
	}
	return readPlan(commitObj)
}

// taggedCommit peels an annotated tag. A lightweight tag points straight at
// the commit.
func taggedCommit(repo *git.Repository, h plumbing.Hash) (*object.Commit, error) {
	tagObj, err := repo.TagObject(h)
	switch {
	case err == nil:
		return tagObj.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return repo.CommitObject(h)
	default:
		return nil, err
	}
}

func (s *Service) openOrInit(planID string) (*git.Repository, error) {
	path := s.repoPath(planID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(planID string) string {
	return filepath.Join(s.baseDir, sanitizePath(planID))
}

func (s *Service) planLock(planID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[planID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[planID] = lock
	return lock
}

func readPlan(commitObj *object.Commit) (protocol.FloorPlan, error) {
	file, err := commitObj.File(planFile)
	if err != nil {
		return protocol.FloorPlan{}, fmt.Errorf("load %s from commit: %w", planFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return protocol.FloorPlan{}, fmt.Errorf("read %s: %w", planFile, err)
	}
	var plan protocol.FloorPlan
	if err := json.Unmarshal([]byte(contents), &plan); err != nil {
		return protocol.FloorPlan{}, fmt.Errorf("decode %s: %w", planFile, err)
	}
	return plan, nil
}

// tagName turns a free-form revision name into a valid git tag.
func tagName(name string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_':
			b.WriteRune(r)
			lastDash = false
		case !lastDash && b.Len() > 0:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-.")
}

func sanitizePath(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, id)
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
