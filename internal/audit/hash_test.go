package audit

import "testing"

func TestHashIsDeterministicAndOpaque(t *testing.T) {
	h := NewHasher("secret")
	ip := "203.0.113.7"
	first := h.IP(ip)
	if first == "" || first == ip {
		t.Fatalf("unexpected ip hash %q", first)
	}
	if again := h.IP(ip); again != first {
		t.Fatalf("hash not deterministic: %q vs %q", first, again)
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256, got %d chars", len(first))
	}
	if h.UserAgent(ip) == first || h.Email(ip) == first {
		t.Fatal("per-field salts must separate digests of the same value")
	}
	if NewHasher("other").IP(ip) == first {
		t.Fatal("secret must change the digest")
	}
}

func TestHashEmailIgnoresCase(t *testing.T) {
	h := NewHasher("")
	if h.Email("Alice@Example.COM ") != h.Email("alice@example.com") {
		t.Fatal("email hash should be case-insensitive")
	}
	if h.IP("") != "" {
		t.Fatal("empty input should hash to empty")
	}
}
