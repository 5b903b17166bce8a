package provider

import (
	"context"
	"strings"
	"testing"
)

// stubProvider is a minimal Provider for registry tests.
type stubProvider struct {
	name string
}

func (s *stubProvider) Name() string          { return s.name }
func (s *stubProvider) DisplayName() string   { return s.name }
func (s *stubProvider) OutputSampleRate() int { return 24000 }
func (s *stubProvider) Voices(context.Context) ([]Voice, error) {
	return nil, nil
}
func (s *stubProvider) Connect(context.Context, SessionConfig) (Session, error) {
	return nil, nil
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	gemini := &stubProvider{name: "gemini"}
	r.Register(gemini)
	r.Register(&stubProvider{name: "openai"})

	got, err := r.Get("gemini")
	if err != nil {
		t.Fatalf("Get(gemini) error: %v", err)
	}
	if got != gemini {
		t.Error("Get(gemini) returned a different provider")
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "gemini"})

	_, err := r.Get("nope")
	if err == nil {
		t.Fatal("Get(nope) should fail")
	}
	if !strings.Contains(err.Error(), "gemini") {
		t.Errorf("error should name the available providers, got: %v", err)
	}
}

func TestRegistryGetEmpty(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get("gemini"); err == nil {
		t.Fatal("Get on empty registry should fail")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "openai"})
	r.Register(&stubProvider{name: "elevenlabs"})
	r.Register(&stubProvider{name: "gemini"})

	names := r.Names()
	want := []string{"elevenlabs", "gemini", "openai"}
	if len(names) != len(want) {
		t.Fatalf("Names() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}
	if all := r.All(); len(all) != 3 || all[0].Name() != "elevenlabs" {
		t.Errorf("All() not in name order")
	}
}
