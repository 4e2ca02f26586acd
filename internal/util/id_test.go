package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := NewID("ses")
		if !strings.HasPrefix(id, "ses_") {
			t.Fatalf("id %q missing prefix", id)
		}
		if len(id) != len("ses_")+32 {
			t.Fatalf("id %q has unexpected length", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
	if strings.Contains(NewID(""), "_") {
		t.Fatal("unprefixed id must not contain a separator")
	}
}
