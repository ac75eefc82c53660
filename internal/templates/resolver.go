// Package templates resolves the configuration fragments an execution unit is
// started with. Lookup order per fragment: role+backend, role+generic, shared
// default. A miss at every level is a typed, fatal error.
package templates

import (
	"context"
	"fmt"
)

// GenericBackend is the backend-independent fallback level.
const GenericBackend = "generic"

// SharedRole holds the last-resort defaults every role can fall back to.
const SharedRole = "shared"

// DefaultFragments is the ordered fragment set an execution unit mounts.
var DefaultFragments = []string{
	"container.sh",
	"agent.md",
	"settings.json",
	"mcp.json",
}

type Fragment struct {
	Name    string
	Content []byte
	// Source names the level that resolved the fragment, e.g.
	// "implementer/claude" or "shared/generic".
	Source string
}

// NotFoundError names the first fragment that resolved at no fallback level.
type NotFoundError struct {
	Role     string
	Backend  string
	Fragment string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("config fragment not found: %s/%s/%s", e.Role, e.Backend, e.Fragment)
}

// Store is a read-only fragment source. Lookup returns the fragments stored
// for one role/backend level, keyed by fragment name; a missing level is an
// empty map, not an error.
type Store interface {
	Lookup(ctx context.Context, role string, backend string) (map[string][]byte, error)
}

// Resolve returns the complete ordered fragment list for a role and backend,
// or a *NotFoundError naming the first unresolved fragment. Any other error
// is a store failure and retryable by the caller.
func Resolve(ctx context.Context, store Store, role string, backend string, fragments []string) ([]Fragment, error) {
	if len(fragments) == 0 {
		fragments = DefaultFragments
	}

	levels := []struct {
		role    string
		backend string
	}{
		{role, backend},
		{role, GenericBackend},
		{SharedRole, GenericBackend},
	}

	data := make([]map[string][]byte, len(levels))
	for i, level := range levels {
		m, err := store.Lookup(ctx, level.role, level.backend)
		if err != nil {
			return nil, fmt.Errorf("lookup %s/%s: %w", level.role, level.backend, err)
		}
		data[i] = m
	}

	out := make([]Fragment, 0, len(fragments))
	for _, name := range fragments {
		resolved := false
		for i, level := range levels {
			content, ok := data[i][name]
			if !ok {
				continue
			}
			out = append(out, Fragment{
				Name:    name,
				Content: content,
				Source:  level.role + "/" + level.backend,
			})
			resolved = true
			break
		}
		if !resolved {
			return nil, &NotFoundError{Role: role, Backend: backend, Fragment: name}
		}
	}
	return out, nil
}

// MapStore is an in-memory Store keyed by "role/backend", used by tests and
// by the resolver's own documentation examples.
type MapStore map[string]map[string][]byte

func (s MapStore) Lookup(_ context.Context, role string, backend string) (map[string][]byte, error) {
	m, ok := s[role+"/"+backend]
	if !ok {
		return map[string][]byte{}, nil
	}
	return m, nil
}
