package challenge

import "testing"

func TestHTTP01RoundTrip(t *testing.T) {
	r := NewRegistry()
	r.Put("example.com", Challenge{Type: HTTP01, Token: "tok", KeyAuthorization: "keyauth"})

	token, keyAuth, err := r.HTTP01Challenge("example.com")
	if err != nil {
		t.Fatalf("HTTP01Challenge: %v", err)
	}
	if token != "tok" || keyAuth != "keyauth" {
		t.Fatalf("got (%q, %q), want (%q, %q)", token, keyAuth, "tok", "keyauth")
	}

	if _, err := r.TLSALPN01Challenge("example.com"); err != ErrNotFound {
		t.Fatalf("TLSALPN01Challenge on an HTTP-01 entry: got %v, want ErrNotFound", err)
	}
}

func TestMissingEntry(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.HTTP01Challenge("missing.com"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := r.TLSALPN01Challenge("missing.com"); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRemoveAndLen(t *testing.T) {
	r := NewRegistry()
	r.Put("a.com", Challenge{Type: HTTP01, Token: "t", KeyAuthorization: "k"})
	r.Put("b.com", Challenge{Type: TLSALPN01})

	if got := r.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	r.Remove("a.com")
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() after Remove = %d, want 1", got)
	}

	r.Remove("a.com") // removing again is a no-op
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() after repeat Remove = %d, want 1", got)
	}
}

func TestPutOverwrites(t *testing.T) {
	r := NewRegistry()
	r.Put("a.com", Challenge{Type: HTTP01, Token: "t1", KeyAuthorization: "k1"})
	r.Put("a.com", Challenge{Type: HTTP01, Token: "t2", KeyAuthorization: "k2"})

	token, _, err := r.HTTP01Challenge("a.com")
	if err != nil {
		t.Fatalf("HTTP01Challenge: %v", err)
	}
	if token != "t2" {
		t.Fatalf("token = %q, want %q", token, "t2")
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}
