package permission

import (
	"path/filepath"
	"testing"
)

func TestGetPublicKeyNeverNeedsPrompt(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatal(err)
	}
	if s.NeedsPrompt("https://example.com", GetPublicKey) {
		t.Fatal("GetPublicKey should never need a prompt")
	}
	if !s.IsGranted("https://example.com", GetPublicKey) {
		t.Fatal("GetPublicKey should always be granted")
	}
}

func TestUndecidedCapabilityNeedsPrompt(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !s.NeedsPrompt("https://example.com", SignEvent) {
		t.Fatal("undecided capability should need a prompt")
	}
	if s.IsGranted("https://example.com", SignEvent) {
		t.Fatal("undecided capability should not be granted")
	}
}

func TestDecisionPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "perms.json")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetDecision("https://example.com", SignEvent, true); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if s2.NeedsPrompt("https://example.com", SignEvent) {
		t.Fatal("decision should have persisted")
	}
	if !s2.IsGranted("https://example.com", SignEvent) {
		t.Fatal("decision should have persisted as granted")
	}
}

func TestDecisionsAreScopedPerOrigin(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetDecision("https://a.example", PublishEvent, true); err != nil {
		t.Fatal(err)
	}
	if !s.NeedsPrompt("https://b.example", PublishEvent) {
		t.Fatal("decision for one origin should not apply to another")
	}
}

func TestDeniedDecisionDoesNotNeedPromptAgain(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "perms.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetDecision("https://example.com", Decrypt, false); err != nil {
		t.Fatal(err)
	}
	if s.NeedsPrompt("https://example.com", Decrypt) {
		t.Fatal("a recorded denial should not need prompting again")
	}
	if s.IsGranted("https://example.com", Decrypt) {
		t.Fatal("a recorded denial should not read as granted")
	}
}
