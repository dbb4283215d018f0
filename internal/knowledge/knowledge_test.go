package knowledge

import (
	"testing"
)

func TestBundledBase(t *testing.T) {
	b, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if b.Len() == 0 {
		t.Fatalf("expected bundled entries")
	}
}

func TestLookup(t *testing.T) {
	b, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		text string
		want []string
	}{
		{"Is metoprolol making me tired?", []string{"Beta blockers"}},
		{"What happens during an ECHO?", []string{"Echocardiogram"}},
		{"my stress test is tomorrow, what about my diet", []string{"Stress test", "Diet"}},
		{"the sound kept echoing", nil},
		{"hello there", nil},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			got := b.Lookup(tc.text, 0)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %+v", tc.want, got)
			}
			for i, e := range got {
				if e.Name != tc.want[i] {
					t.Fatalf("expected %v, got %+v", tc.want, got)
				}
			}
		})
	}
	if got := b.Lookup("aspirin and atorvastatin for my blood pressure", 2); len(got) != 2 {
		t.Fatalf("expected limit to cap matches, got %d", len(got))
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	bad := []string{
		"- category: gossip\n  name: x\n  keywords: [x]\n",
		"- category: medications\n  name: x\n",
		"- category: medications\n  name: X\n  keywords: [x]\n- category: procedures\n  name: x\n  keywords: [y]\n",
		"not: [a list",
	}
	for _, in := range bad {
		if _, err := Parse([]byte(in)); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestNilBase(t *testing.T) {
	var b *Base
	if b.Lookup("metoprolol", 0) != nil || b.Len() != 0 {
		t.Fatalf("nil base must be empty")
	}
}
