package entropy

import (
	"strings"
	"testing"
)

func TestShannon(t *testing.T) {
	if got := Shannon(""); got != 0 {
		t.Fatalf("empty string entropy = %f, want 0", got)
	}
	if got := Shannon("aaaaaaaa"); got != 0 {
		t.Fatalf("single-symbol entropy = %f, want 0", got)
	}
	// Two symbols at equal frequency carry exactly one bit per byte.
	if got := Shannon("abababab"); got != 1 {
		t.Fatalf("two-symbol entropy = %f, want 1", got)
	}
	prose := Shannon("the quick brown fox jumps over the lazy dog and keeps on running")
	if prose < 3 || prose > 5 {
		t.Fatalf("prose entropy = %f, want between 3 and 5", prose)
	}
}

func TestAnalyzeFlagsEncodedPayload(t *testing.T) {
	a := NewAnalyzer()

	// A uniform spread over the base64 alphabet is exactly 6 bits per byte.
	blob := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"
	got := a.Analyze(blob)
	if !got.Suspicious {
		t.Fatalf("encoded blob not flagged (entropy %f)", got.Entropy)
	}

	prose := a.Analyze(strings.Repeat("please reset my password because i forgot it again ", 3))
	if prose.Suspicious {
		t.Fatalf("plain prose flagged (entropy %f)", prose.Entropy)
	}
}

func TestAnalyzeIgnoresShortInput(t *testing.T) {
	a := NewAnalyzer()
	// High entropy but below MinLength: too little signal to judge.
	if got := a.Analyze("qW3$zX9@kL5#"); got.Suspicious {
		t.Fatalf("short input flagged (entropy %f, length %d)", got.Entropy, got.Length)
	}
}
