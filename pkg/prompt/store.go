// Package prompt keeps the versioned system instructions sent to the
// assessment provider.
package prompt

import (
	"errors"
	"strings"
	"sync"
)

// Prompt is one version of a named instruction.
type Prompt struct {
	Name    string
	Version int
	Body    string
	Meta    map[string]string
}

// Issue describes a lint finding. Offset is a byte index into Body.
type Issue struct {
	Rule    string
	Message string
	Offset  int
}

// MaxBodyBytes caps an instruction; the rest of the request budget belongs
// to the readings.
const MaxBodyBytes = 16 << 10

var (
	secretLike = []string{"aws_secret_access_key", "begin private key", "sk-", "api_key=", "password="}
	// The payload is sent as its own message, never spliced into the body.
	templateMarkers = []string{"{{", "}}", "%s", "%v"}
)

// Lint checks an instruction before it is stored. Instructions leave the
// process with every provider call, so anything resembling a credential is
// rejected.
func Lint(p Prompt) []Issue {
	var issues []Issue
	if p.Name == "" {
		issues = append(issues, Issue{Rule: "name.required", Message: "name is required"})
	}
	if strings.TrimSpace(p.Body) == "" {
		issues = append(issues, Issue{Rule: "body.required", Message: "body is empty"})
	}
	if len(p.Body) > MaxBodyBytes {
		issues = append(issues, Issue{Rule: "body.size", Message: "body exceeds 16KiB", Offset: MaxBodyBytes})
	}
	for _, m := range templateMarkers {
		if i := strings.Index(p.Body, m); i >= 0 {
			issues = append(issues, Issue{Rule: "body.template", Message: "body contains template marker " + m, Offset: i})
			break
		}
	}
	lower := strings.ToLower(p.Body)
	for _, needle := range secretLike {
		if i := strings.Index(lower, needle); i >= 0 {
			issues = append(issues, Issue{Rule: "security.secrets", Message: "body appears to contain secrets-like content", Offset: i})
			break
		}
	}
	return issues
}

var ErrLintFailed = errors.New("prompt failed lint checks")

// Store holds instruction versions in memory. Versions of a name are
// contiguous from 1.
type Store struct {
	mu   sync.RWMutex
	data map[string][]Prompt
}

func NewStore() *Store { return &Store{data: make(map[string][]Prompt)} }

// Save appends p as the next version of p.Name. On lint failure it returns
// ErrLintFailed together with the issues.
func (s *Store) Save(p Prompt) (Prompt, []Issue, error) {
	if issues := Lint(p); len(issues) > 0 {
		return Prompt{}, issues, ErrLintFailed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Version = len(s.data[p.Name]) + 1
	s.data[p.Name] = append(s.data[p.Name], p)
	return p, nil, nil
}

// Get returns the given version of name; version <= 0 means latest.
func (s *Store) Get(name string, version int) (Prompt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.data[name]
	switch {
	case len(versions) == 0, version > len(versions):
		return Prompt{}, false
	case version <= 0:
		return versions[len(versions)-1], true
	}
	return versions[version-1], true
}

// List returns every version of name, oldest first.
func (s *Store) List(name string) []Prompt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Prompt(nil), s.data[name]...)
}
