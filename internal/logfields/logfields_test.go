package logfields

import (
	"log/slog"
	"testing"
)

func TestHelperKeyNames(t *testing.T) {
	cases := []struct {
		name    string
		attrKey string
		attrVal string
		attr    interface{}
	}{
		{"Site", KeySite, "ao3", Site("ao3")},
		{"URL", KeyURL, "http://example", URL("http://example")},
		{"Worker", KeyWorker, "w1", Worker("w1")},
		{"Behavior", KeyBehavior, "force", Behavior("force")},
		{"Outcome", KeyOutcome, "success", Outcome("success")},
		{"StoryKey", KeyStoryKey, "ao3:u1", StoryKey("ao3:u1")},
		{"Task", KeyTask, "coordinator", Task("coordinator")},
		{"State", KeyState, "running", State("running")},
		{"Path", KeyPath, "/tmp/x", Path("/tmp/x")},
		{"LibraryID", KeyLibraryID, "42", LibraryID("42")},
		{"Name", KeyName, "n", Name("n")},
	}

	for _, tc := range cases {
		a := tc.attr.(slog.Attr)
		if a.Key != tc.attrKey {
			t.Fatalf("%s: expected key %s, got %s", tc.name, tc.attrKey, a.Key)
		}
		if got := a.Value.String(); got != tc.attrVal {
			t.Fatalf("%s: expected value %s, got %v", tc.name, tc.attrVal, got)
		}
	}
}

func TestNumericHelpers(t *testing.T) {
	if v := Attempts(5); v.Key != KeyAttempts {
		t.Fatalf("Attempts key mismatch: %s", v.Key)
	}
	if v := DurationMS(12.5); v.Key != KeyDurationMS {
		t.Fatalf("DurationMS key mismatch: %s", v.Key)
	}
}

func TestErrorHelper(t *testing.T) {
	attr := Error(nil)
	if attr.Key != KeyError {
		t.Fatalf("Error key mismatch: %s", attr.Key)
	}
	if attr.Value.String() != "" {
		t.Fatalf("expected empty error string, got %s", attr.Value.String())
	}
	attr = Error(errTest{})
	if attr.Value.String() != "err-test" {
		t.Fatalf("expected 'err-test', got %s", attr.Value.String())
	}
}

type errTest struct{}

func (e errTest) Error() string { return "err-test" }
