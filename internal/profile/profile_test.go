package profile

import "testing"

func testDefault() Profile {
	return Profile{
		Name:         "default",
		Greeting:     "Hello, how can I help?",
		SystemPrompt: "You are a helpful receptionist.",
		Language:     "en",
		Voice:        "amy",
		ChunkMs:      40,
		MaxTokens:    48,
		Temperature:  0.2,
		TopP:         0.85,
	}
}

func TestResolveDefault(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testDefault(), nil)

	p, ok := r.Resolve("")
	if !ok || p.Name != "default" {
		t.Errorf("Resolve(\"\") = %+v, %v; want default profile", p, ok)
	}

	p, ok = r.Resolve("nope")
	if ok {
		t.Error("unknown name should report not-found")
	}
	if p.Greeting != "Hello, how can I help?" {
		t.Errorf("unknown name must still yield the default, got %+v", p)
	}
}

func TestResolveInheritsDefaults(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testDefault(), []Profile{
		{Name: "support", Greeting: "Support line, one moment.", Voice: "brian"},
	})

	p, ok := r.Resolve("support")
	if !ok {
		t.Fatal("support should be known")
	}
	if p.Greeting != "Support line, one moment." || p.Voice != "brian" {
		t.Errorf("overrides not applied: %+v", p)
	}
	if p.SystemPrompt != "You are a helpful receptionist." || p.MaxTokens != 48 || p.Temperature != 0.2 {
		t.Errorf("unset fields must inherit the default: %+v", p)
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testDefault(), []Profile{{Name: "Support"}})

	if _, ok := r.Resolve("sUpPoRt"); !ok {
		t.Error("profile names should match case-insensitively")
	}
}

func TestDuplicateNamesKeepLast(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testDefault(), []Profile{
		{Name: "desk", Greeting: "first"},
		{Name: "desk", Greeting: "second"},
	})

	p, _ := r.Resolve("desk")
	if p.Greeting != "second" {
		t.Errorf("greeting = %q, want the last definition to win", p.Greeting)
	}
	if len(r.Names()) != 1 {
		t.Errorf("Names() = %v, want one entry", r.Names())
	}
}

func TestBlankNamesSkipped(t *testing.T) {
	t.Parallel()
	r := NewRegistry(testDefault(), []Profile{{Name: "   ", Greeting: "ghost"}})

	if len(r.Names()) != 0 {
		t.Errorf("blank profile names must be skipped, got %v", r.Names())
	}
}
