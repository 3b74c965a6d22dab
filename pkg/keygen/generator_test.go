package keygen

import (
	"strings"
	"testing"
)

func TestGenerateMatchesFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		key, err := Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if !IsWellFormed(key) {
			t.Fatalf("generated key %q does not match format", key)
		}
		if !strings.HasPrefix(key, "RATO-") {
			t.Fatalf("generated key %q missing prefix", key)
		}
		if len(key) != len("RATO-XXXX-XXXX-XXXX-XXXX") {
			t.Fatalf("generated key %q has wrong length", key)
		}
	}
}

func TestGenerateProducesDistinctKeys(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		key, err := Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if seen[key] {
			t.Fatalf("duplicate key %q in 100 draws", key)
		}
		seen[key] = true
	}
}

func TestIsWellFormed(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"RATO-ABCD-1234-WXYZ-0000", true},
		{"RATO-abcd-1234-WXYZ-0000", false},
		{"RATO-ABCD-1234-WXYZ", false},
		{"XATO-ABCD-1234-WXYZ-0000", false},
		{"RATO-ABCD-1234-WXYZ-00000", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsWellFormed(tc.key); got != tc.want {
			t.Fatalf("IsWellFormed(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}
