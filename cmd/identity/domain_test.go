package identity

import "testing"

func TestParseDomains_Fallback(t *testing.T) {
	t.Parallel()

	ds, err := ParseDomains("", "example.com", 100)
	if err != nil {
		t.Fatalf("ParseDomains: %v", err)
	}
	if got := ds.Primary(); got.Name != "example.com" || got.Price != 100 {
		t.Fatalf("Primary()=%+v", got)
	}
}

func TestParseDomains_List(t *testing.T) {
	t.Parallel()

	ds, err := ParseDomains(" a.com:21, B.org ,c.net:0,", "example.com", 100)
	if err != nil {
		t.Fatalf("ParseDomains: %v", err)
	}
	names := ds.Names()
	want := []string{"a.com", "b.org", "c.net"}
	if len(names) != len(want) {
		t.Fatalf("Names()=%v want=%v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names()=%v want=%v", names, want)
		}
	}
	if ds.Primary().Name != "a.com" {
		t.Fatalf("primary=%q", ds.Primary().Name)
	}
	if d, ok := ds.Lookup("B.ORG"); !ok || d.Price != 100 {
		t.Fatalf("Lookup(B.ORG)=%+v,%v", d, ok)
	}
	if d, ok := ds.Lookup("c.net"); !ok || d.Price != 0 {
		t.Fatalf("Lookup(c.net)=%+v,%v", d, ok)
	}
	if ds.Contains("missing.com") {
		t.Fatalf("unexpected domain")
	}
}

func TestParseDomains_Errors(t *testing.T) {
	t.Parallel()

	cases := []string{
		":100",
		"a.com:abc",
		"a.com:-1",
		" , ,",
		"a.com,a.com",
		"../etc:5",
	}
	for _, raw := range cases {
		if _, err := ParseDomains(raw, "example.com", 100); !IsInvalidInput(err) {
			t.Fatalf("ParseDomains(%q) expected invalid input, got %v", raw, err)
		}
	}
}
