package id

import (
	"sort"
	"testing"
	"time"
)

func TestEnvelope_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := Envelope()
		if seen[v] {
			t.Fatalf("duplicate id generated: %s", v)
		}
		seen[v] = true
	}
}

func TestEnvelope_TimeOrdered(t *testing.T) {
	first := Envelope()
	time.Sleep(2 * time.Millisecond)
	second := Envelope()

	ids := []string{second, first}
	sort.Strings(ids)
	if ids[0] != first {
		t.Errorf("ids not time-ordered: %s should sort before %s", first, second)
	}
}

func TestNonce_Length(t *testing.T) {
	n := Nonce()
	if len(n) != 8 {
		t.Errorf("Nonce() length = %d, want 8", len(n))
	}
}
