package library

import (
	"context"
	"errors"
	"testing"

	"forge.stoat.dev/fanfic/fetcher/internal/config"
)

// scriptedExec records every invocation and answers per subcommand.
type scriptedExec struct {
	calls   [][]string
	answers map[string]string
	errOn   string
}

func (s *scriptedExec) exec(_ context.Context, _ string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, args)
	if s.errOn != "" && args[0] == s.errOn {
		return nil, errors.New(s.errOn + " failed")
	}
	return []byte(s.answers[args[0]]), nil
}

func (s *scriptedExec) subcommands() []string {
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c[0]
	}
	return out
}

func equalSeq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLookupReturnsFirstLine(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{"search": "42\n"}}
	c := NewClient("calibredb", fake.exec)

	id, err := c.Lookup(context.Background(), "https://ao3.example/works/1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if id != "42" {
		t.Fatalf("expected id 42, got %q", id)
	}
	if len(fake.calls) != 1 || fake.calls[0][1] != "identifiers:url:https://ao3.example/works/1" {
		t.Fatalf("unexpected search invocation: %v", fake.calls)
	}
}

func TestLookupNoResults(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{"search": "No results found\n"}}
	c := NewClient("calibredb", fake.exec)

	id, err := c.Lookup(context.Background(), "u")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty id for no results, got %q", id)
	}
}

func TestAddParsesBookID(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{"add": "Backing up metadata\nAdded book ids: 17\n"}}
	c := NewClient("calibredb", fake.exec)

	id, err := c.Add(context.Background(), "/scratch/story.epub")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id != "17" {
		t.Fatalf("expected id 17, got %q", id)
	}
}

func TestAddUnparseableOutputErrors(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{"add": "something unexpected"}}
	c := NewClient("calibredb", fake.exec)

	if _, err := c.Add(context.Background(), "/scratch/story.epub"); err == nil {
		t.Fatal("expected error for unparseable add output")
	}
}

func TestIntegrateNewBookAlwaysPlainAdd(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{"add": "Added book ids: 5"}}
	c := NewClient("calibredb", fake.exec)

	id, err := c.Integrate(context.Background(), "", "/scratch/story.epub", config.PreservationPreserveMetadata)
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if id != "5" {
		t.Fatalf("expected id 5, got %q", id)
	}
	if !equalSeq(fake.subcommands(), []string{"add"}) {
		t.Fatalf("new book must use plain add only, got %v", fake.subcommands())
	}
}

func TestIntegrateAddFormatKeepsID(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{}}
	c := NewClient("calibredb", fake.exec)

	id, err := c.Integrate(context.Background(), "9", "/scratch/story.epub", config.PreservationAddFormat)
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if id != "9" {
		t.Fatalf("add_format must keep the existing id, got %q", id)
	}
	if !equalSeq(fake.subcommands(), []string{"add_format"}) {
		t.Fatalf("expected a single add_format call, got %v", fake.subcommands())
	}
}

func TestIntegrateRemoveAddSequence(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{"add": "Added book ids: 30"}}
	c := NewClient("calibredb", fake.exec)

	id, err := c.Integrate(context.Background(), "9", "/scratch/story.epub", config.PreservationRemoveAdd)
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if id != "30" {
		t.Fatalf("expected the newly added id, got %q", id)
	}
	if !equalSeq(fake.subcommands(), []string{"remove", "add"}) {
		t.Fatalf("expected remove then add, got %v", fake.subcommands())
	}
}

func TestIntegratePreserveMetadataSequence(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{
		"custom_columns": "read:true\n",
		"add":            "Added book ids: 31",
	}}
	c := NewClient("calibredb", fake.exec)

	id, err := c.Integrate(context.Background(), "9", "/scratch/story.epub", config.PreservationPreserveMetadata)
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if id != "31" {
		t.Fatalf("expected the newly added id, got %q", id)
	}
	if !equalSeq(fake.subcommands(), []string{"custom_columns", "remove", "add", "custom_columns"}) {
		t.Fatalf("expected export/remove/add/restore, got %v", fake.subcommands())
	}
	restore := fake.calls[3]
	if restore[1] != "--restore" || restore[2] != "31" {
		t.Fatalf("restore must target the new book id, got %v", restore)
	}
}

func TestIntegratePreserveMetadataSkipsEmptyRestore(t *testing.T) {
	fake := &scriptedExec{answers: map[string]string{
		"custom_columns": "\n",
		"add":            "Added book ids: 32",
	}}
	c := NewClient("calibredb", fake.exec)

	if _, err := c.Integrate(context.Background(), "9", "/scratch/story.epub", config.PreservationPreserveMetadata); err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if !equalSeq(fake.subcommands(), []string{"custom_columns", "remove", "add"}) {
		t.Fatalf("no fields exported means no restore call, got %v", fake.subcommands())
	}
}

func TestIntegrateRemoveFailureAborts(t *testing.T) {
	fake := &scriptedExec{errOn: "remove", answers: map[string]string{"custom_columns": "x:y"}}
	c := NewClient("calibredb", fake.exec)

	if _, err := c.Integrate(context.Background(), "9", "/scratch/story.epub", config.PreservationRemoveAdd); err == nil {
		t.Fatal("expected remove failure to abort integration")
	}
	if !equalSeq(fake.subcommands(), []string{"remove"}) {
		t.Fatalf("nothing should run after a failed remove, got %v", fake.subcommands())
	}
}
