package story

import "testing"

func TestNormalizeSite(t *testing.T) {
	cases := map[string]string{
		"https://www.ao3.example/works/123":   "ao3",
		"https://fanfiction.net/s/123":        "fanfiction",
		"https://m.fanfiction.net/s/123":      "fanfiction",
		"https://forums.spacebattles.com/x":   "spacebattles",
		"https://ArchiveOfOurOwn.org/works/1": "archiveofourown",
		"http://example.com":                  "example",
	}
	for in, want := range cases {
		got, err := NormalizeSite(in)
		if err != nil {
			t.Fatalf("NormalizeSite(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("NormalizeSite(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeSiteIdempotent(t *testing.T) {
	in := "https://www.fanfiction.net/s/123"
	once, err := NormalizeSite(in)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := NormalizeSite(once)
	if err != nil {
		t.Fatal(err)
	}
	if once != twice {
		t.Fatalf("not idempotent: %q != %q", once, twice)
	}
}

func TestNormalizeSiteRejectsEmptyHost(t *testing.T) {
	if _, err := NormalizeSite("not a url with no host"); err == nil {
		t.Fatal("expected error for hostless input")
	}
}

func TestStoryKeyEquality(t *testing.T) {
	a := Story{URL: "u", Site: "s", LibraryID: "1"}
	b := Story{URL: "u", Site: "s", LibraryID: "1"}
	c := Story{URL: "u", Site: "s", LibraryID: "2"}
	if a.Key() != b.Key() {
		t.Fatal("expected equal keys")
	}
	if a.Key() == c.Key() {
		t.Fatal("expected distinct keys for distinct library ids")
	}
}
