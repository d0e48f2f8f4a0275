package common

import "testing"

func TestCanonicalizeJSON_SortsKeys(t *testing.T) {
	in := `{"b": 1, "a": 2, "c": {"y": 1, "x": 2}}`
	out, ok := CanonicalizeJSON(in)
	if !ok {
		t.Fatalf("expected valid JSON")
	}
	want := `{"a":2,"b":1,"c":{"x":2,"y":1}}`
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestCanonicalizeJSON_Idempotent(t *testing.T) {
	in := `{"z": [3,2,1], "a": "text"}`
	once, ok := CanonicalizeJSON(in)
	if !ok {
		t.Fatalf("expected valid JSON")
	}
	twice, ok := CanonicalizeJSON(once)
	if !ok {
		t.Fatalf("expected canonical output to still be valid JSON")
	}
	if once != twice {
		t.Fatalf("canonicalization not idempotent: %q != %q", once, twice)
	}
}

func TestCanonicalizeJSON_RejectsNonJSON(t *testing.T) {
	_, ok := CanonicalizeJSON("<html><body>error</body></html>")
	if ok {
		t.Fatalf("expected non-JSON body to be rejected")
	}
}

func TestCanonicalizeJSON_RejectsTrailingGarbage(t *testing.T) {
	_, ok := CanonicalizeJSON(`{"a":1} garbage`)
	if ok {
		t.Fatalf("expected trailing garbage after a valid JSON value to be rejected")
	}
}

func TestJSONHash_StableForEqualInput(t *testing.T) {
	a := JSONHash(`{"a":1}`)
	b := JSONHash(`{"a":1}`)
	if a != b {
		t.Fatalf("expected identical hashes for identical input")
	}
	c := JSONHash(`{"a":2}`)
	if a == c {
		t.Fatalf("expected different hashes for different input")
	}
}
