// Package batch implements the resumable batch runner: a JSON state file
// tracking per-URL outcomes, a rate-limit circuit breaker, and the paced
// dispatch loop the batchrunner CLI drives.
package batch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Item statuses in the state file.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ItemState is one URL's progress across runs.
type ItemState struct {
	Status    string    `json:"status" validate:"oneof=queued running succeeded failed skipped"`
	Attempts  int       `json:"attempts" validate:"min=0"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State is the persisted run state. Items are keyed by URL so a re-run with
// the same file resumes instead of restarting. Safe for concurrent use by
// the dispatch workers.
type State struct {
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Keyword   string                `json:"keyword,omitempty"`
	Items     map[string]*ItemState `json:"items" validate:"dive,required"`

	path string
	mu   sync.Mutex
}

// NewState creates an empty state bound to a file path.
func NewState(path, keyword string) *State {
	now := time.Now().UTC()
	return &State{
		CreatedAt: now,
		UpdatedAt: now,
		Keyword:   keyword,
		Items:     map[string]*ItemState{},
		path:      path,
	}
}

// LoadState reads a state file, returning a fresh state when the file does
// not exist yet.
func LoadState(path, keyword string) (*State, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewState(path, keyword), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	state := &State{path: path}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, fmt.Errorf("failed to decode state file %s: %w", path, err)
	}
	if state.Items == nil {
		state.Items = map[string]*ItemState{}
	}
	// A hand-edited or corrupted file must not resume with statuses the
	// dispatch loop cannot interpret.
	if err := validate.Struct(state); err != nil {
		return nil, fmt.Errorf("failed to validate state file %s: %w", path, err)
	}
	if keyword != "" {
		state.Keyword = keyword
	}
	return state, nil
}

// Save writes the state atomically: temp file in the same directory, then
// rename. A crash mid-write never corrupts the resumable state.
func (s *State) Save() error {
	s.mu.Lock()
	s.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(s, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".batchstate-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Ensure registers a URL as queued if it has no entry yet.
func (s *State) Ensure(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Items[url]; !ok {
		s.Items[url] = &ItemState{Status: StatusQueued, UpdatedAt: time.Now().UTC()}
	}
}

// Mark transitions one URL's state.
func (s *State) Mark(url, status, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.Items[url]
	if item == nil {
		item = &ItemState{}
		s.Items[url] = item
	}
	item.Status = status
	item.LastError = lastError
	item.UpdatedAt = time.Now().UTC()
}

// BumpAttempts increments a URL's attempt counter.
func (s *State) BumpAttempts(url string) {
	s.Ensure(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Items[url].Attempts++
}

// Pending lists URLs still eligible for dispatch: queued or failed under the
// attempt ceiling, plus running entries orphaned by a previous crash.
func (s *State) Pending(maxAttempts int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []string
	for url, item := range s.Items {
		switch item.Status {
		case StatusQueued, StatusRunning:
			pending = append(pending, url)
		case StatusFailed:
			if item.Attempts < maxAttempts {
				pending = append(pending, url)
			}
		}
	}
	return pending
}

// Counts tallies items per status.
func (s *State) Counts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, item := range s.Items {
		counts[item.Status]++
	}
	return counts
}
