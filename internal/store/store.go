// Package store persists sessions, issues, reviews, tokens, and presets as
// JSON files. Every write goes to a temp file and is renamed into place so a
// crash mid-write never corrupts prior state.
package store

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tony-jang/ai-review/internal/fault"
	"github.com/tony-jang/ai-review/pkg/models"
)

// Tokens binds access tokens to a session's identities.
type Tokens struct {
	Agents      map[string]string `json:"agents"`
	HumanAssist string            `json:"human_assist,omitempty"`
}

// Store is a file-backed session store rooted at a data directory.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates a store rooted at dir, creating the sessions tree.
func New(dir string) (*Store, error) {
	s := &Store{root: dir}
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return nil, fault.Wrap(fault.Storage, err, "create store root")
	}
	return s, nil
}

func (s *Store) sessionsDir() string { return filepath.Join(s.root, "sessions") }

func (s *Store) sessionDir(sid string) string { return filepath.Join(s.sessionsDir(), sid) }

func (s *Store) issuesDir(sid string) string { return filepath.Join(s.sessionDir(sid), "issues") }

// writeAtomic marshals v and renames it into place.
func (s *Store) writeAtomic(path string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Storage, err, "marshal %s", filepath.Base(path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fault.Wrap(fault.Storage, err, "create %s", filepath.Dir(path))
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fault.Wrap(fault.Storage, err, "write %s", filepath.Base(path))
	}
	if err := os.Rename(tmp, path); err != nil {
		return fault.Wrap(fault.Storage, err, "rename %s", filepath.Base(path))
	}
	return nil
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fault.New(fault.NotFound, "%s not found", filepath.Base(path))
		}
		return fault.Wrap(fault.Storage, err, "read %s", filepath.Base(path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fault.Wrap(fault.Storage, err, "decode %s", filepath.Base(path))
	}
	return nil
}

// SaveSession persists a session's own record. Issues and reviews are saved
// through their own methods.
func (s *Store) SaveSession(sess *models.Session) error {
	return s.writeAtomic(filepath.Join(s.sessionDir(sess.ID), "session.json"), sess)
}

// LoadSession reads one session record (without issues or reviews).
func (s *Store) LoadSession(sid string) (*models.Session, error) {
	var sess models.Session
	if err := s.readJSON(filepath.Join(s.sessionDir(sid), "session.json"), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteSession removes a session directory and everything under it.
func (s *Store) DeleteSession(sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.sessionDir(sid)); err != nil {
		return fault.Wrap(fault.Storage, err, "delete session %s", sid)
	}
	return nil
}

// ListSessionIDs returns the IDs of all persisted sessions.
func (s *Store) ListSessionIDs() ([]string, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Storage, err, "list sessions")
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveIssue persists one issue under its session.
func (s *Store) SaveIssue(sid string, issue *models.Issue) error {
	return s.writeAtomic(filepath.Join(s.issuesDir(sid), issue.ID+".json"), issue)
}

// DeleteIssue removes one issue file. Missing files are not an error; dedup
// relocates non-canonical raises and deletes their originals.
func (s *Store) DeleteIssue(sid, issueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.issuesDir(sid), issueID+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fault.Wrap(fault.Storage, err, "delete issue %s", issueID)
	}
	return nil
}

// LoadIssues reads all issues of a session ordered by insertion time.
func (s *Store) LoadIssues(sid string) ([]*models.Issue, error) {
	entries, err := os.ReadDir(s.issuesDir(sid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Storage, err, "list issues")
	}
	var issues []*models.Issue
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var issue models.Issue
		if err := s.readJSON(filepath.Join(s.issuesDir(sid), entry.Name()), &issue); err != nil {
			return nil, err
		}
		issues = append(issues, &issue)
	}
	sort.Slice(issues, func(i, j int) bool {
		if !issues[i].CreatedAt.Equal(issues[j].CreatedAt) {
			return issues[i].CreatedAt.Before(issues[j].CreatedAt)
		}
		return issues[i].ID < issues[j].ID
	})
	return issues, nil
}

// SaveReviews persists the session's review records.
func (s *Store) SaveReviews(sid string, reviews []models.Review) error {
	return s.writeAtomic(filepath.Join(s.sessionDir(sid), "reviews.json"), reviews)
}

// LoadReviews reads review records ordered by (turn, submitted_at).
func (s *Store) LoadReviews(sid string) ([]models.Review, error) {
	var reviews []models.Review
	err := s.readJSON(filepath.Join(s.sessionDir(sid), "reviews.json"), &reviews)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	sort.SliceStable(reviews, func(i, j int) bool {
		if reviews[i].Turn != reviews[j].Turn {
			return reviews[i].Turn < reviews[j].Turn
		}
		return reviews[i].SubmittedAt.Before(reviews[j].SubmittedAt)
	})
	return reviews, nil
}

// SaveTokens persists the session's token bindings.
func (s *Store) SaveTokens(sid string, tokens Tokens) error {
	return s.writeAtomic(filepath.Join(s.sessionDir(sid), "tokens.json"), tokens)
}

// LoadTokens reads the session's token bindings.
func (s *Store) LoadTokens(sid string) (Tokens, error) {
	tokens := Tokens{Agents: map[string]string{}}
	err := s.readJSON(filepath.Join(s.sessionDir(sid), "tokens.json"), &tokens)
	if err != nil && !fault.Is(err, fault.NotFound) {
		return tokens, err
	}
	if tokens.Agents == nil {
		tokens.Agents = map[string]string{}
	}
	return tokens, nil
}

// SavePresets persists the process-wide agent presets.
func (s *Store) SavePresets(presets []models.AgentConfig) error {
	return s.writeAtomic(filepath.Join(s.root, "presets.json"), presets)
}

// LoadPresets reads the process-wide agent presets.
func (s *Store) LoadPresets() ([]models.AgentConfig, error) {
	var presets []models.AgentConfig
	err := s.readJSON(filepath.Join(s.root, "presets.json"), &presets)
	if err != nil {
		if fault.Is(err, fault.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return presets, nil
}

// PresetsPath exposes the presets file location for the change watcher.
func (s *Store) PresetsPath() string {
	return filepath.Join(s.root, "presets.json")
}
