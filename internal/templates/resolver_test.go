package templates

import (
	"context"
	"errors"
	"testing"
)

func syntheticStore() MapStore {
	return MapStore{
		"implementer/claude": {
			"container.sh": []byte("claude container"),
			"settings.json": []byte("claude settings"),
		},
		"implementer/generic": {
			"container.sh": []byte("generic container"),
			"agent.md":     []byte("generic agent brief"),
		},
		"shared/generic": {
			"container.sh":  []byte("shared container"),
			"agent.md":      []byte("shared agent brief"),
			"settings.json": []byte("shared settings"),
			"mcp.json":      []byte("shared mcp"),
		},
	}
}

func TestResolveFallbackOrder(t *testing.T) {
	fragments, err := Resolve(context.Background(), syntheticStore(), "implementer", "claude", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(fragments) != len(DefaultFragments) {
		t.Fatalf("expected %d fragments, got %d", len(DefaultFragments), len(fragments))
	}

	bySource := map[string]string{}
	for _, f := range fragments {
		bySource[f.Name] = f.Source
	}
	if bySource["container.sh"] != "implementer/claude" {
		t.Fatalf("container.sh resolved at %s, want role+backend", bySource["container.sh"])
	}
	if bySource["agent.md"] != "implementer/generic" {
		t.Fatalf("agent.md resolved at %s, want role+generic", bySource["agent.md"])
	}
	if bySource["mcp.json"] != "shared/generic" {
		t.Fatalf("mcp.json resolved at %s, want shared default", bySource["mcp.json"])
	}
}

func TestResolvePreservesOrder(t *testing.T) {
	fragments, err := Resolve(context.Background(), syntheticStore(), "implementer", "claude", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for i, f := range fragments {
		if f.Name != DefaultFragments[i] {
			t.Fatalf("fragment %d is %s, want %s", i, f.Name, DefaultFragments[i])
		}
	}
}

func TestResolveNotFoundNamesFirstMiss(t *testing.T) {
	store := MapStore{} // nothing at any level
	_, err := Resolve(context.Background(), store, "tester", "exotic-cli", nil)
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Role != "tester" || nf.Backend != "exotic-cli" || nf.Fragment != "container.sh" {
		t.Fatalf("unexpected miss identity: %+v", nf)
	}
}

type failingStore struct{}

func (failingStore) Lookup(context.Context, string, string) (map[string][]byte, error) {
	return nil, errors.New("api unavailable")
}

func TestResolveStoreFailureIsNotNotFound(t *testing.T) {
	_, err := Resolve(context.Background(), failingStore{}, "implementer", "claude", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	var nf *NotFoundError
	if errors.As(err, &nf) {
		t.Fatalf("store outage must not surface as NotFound")
	}
}
