package coef

import (
	"context"
	"path/filepath"
	"testing"

	"lensvault/internal/coefstore"
)

func openTestStore(t *testing.T) *coefstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blobs.db")
	s, err := coefstore.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExecuteLiteralStoreCloneRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog, err := Parse("literal:value=hello world | store")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res, err := ex.Execute(context.Background(), prog, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.State != StateDone {
		t.Fatalf("expected StateDone, got %v", res.State)
	}
	hash := string(res.Output)

	cloneProg, err := Parse("clone:src=" + hash)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res2, err := ex.Execute(context.Background(), cloneProg, nil)
	if err != nil {
		t.Fatalf("Execute clone failed: %v", err)
	}
	if string(res2.Output) != "hello world" {
		t.Fatalf("expected cloned content 'hello world', got %q", res2.Output)
	}
}

func TestExecuteVerifySuccess(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	expected := coefstore.Hash([]byte("checked"))
	prog, err := Parse("literal:value=checked | verify:hash=" + expected)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res, err := ex.Execute(context.Background(), prog, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.State != StateVerified {
		t.Fatalf("expected StateVerified, got %v", res.State)
	}
}

func TestExecuteVerifyFailureIsIntegrityFailure(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog, err := Parse("literal:value=checked | verify:hash=0000000000000000000000000000000000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res, err := ex.Execute(context.Background(), prog, nil)
	if err == nil {
		t.Fatal("expected integrity failure error")
	}
	if res.State != StateFailed {
		t.Fatalf("expected StateFailed, got %v", res.State)
	}
	execErr, ok := err.(*ExecError)
	if !ok {
		t.Fatalf("expected *ExecError, got %T: %v", err, err)
	}
	if execErr.Kind != KindIntegrityFailure {
		t.Fatalf("expected KindIntegrityFailure, got %v", execErr.Kind)
	}
}

func TestExecuteUnknownVerb(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog := &Program{Instructions: []Instruction{{Verb: "teleport"}}}
	_, err := ex.Execute(context.Background(), prog, nil)
	if err == nil {
		t.Fatal("expected UnknownVerb error")
	}
	execErr, ok := err.(*ExecError)
	if !ok || execErr.Kind != KindUnknownVerb {
		t.Fatalf("expected KindUnknownVerb, got %T: %v", err, err)
	}
}

func TestExecuteArgumentMissing(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog := &Program{Instructions: []Instruction{{Verb: "literal"}}}
	_, err := ex.Execute(context.Background(), prog, nil)
	execErr, ok := err.(*ExecError)
	if !ok || execErr.Kind != KindArgumentMissing {
		t.Fatalf("expected KindArgumentMissing, got %T: %v", err, err)
	}
}

func TestExecuteCloneMissingContent(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog := &Program{Instructions: []Instruction{{Verb: "clone", Args: []Arg{{Key: "src", Value: "nonexistent"}}}}}
	_, err := ex.Execute(context.Background(), prog, nil)
	execErr, ok := err.(*ExecError)
	if !ok || execErr.Kind != KindContentMissing {
		t.Fatalf("expected KindContentMissing, got %T: %v", err, err)
	}
}

func TestExecuteRenameMatchesWholeWordsOnly(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog, err := Parse("literal:value=the cat sat on the catalog | rename:old=cat,new=dog")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res, err := ex.Execute(context.Background(), prog, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	want := "the dog sat on the catalog"
	if string(res.Output) != want {
		t.Fatalf("expected %q, got %q", want, res.Output)
	}
}

func TestExecuteInjectAtStartAndEnd(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog, err := Parse("literal:value=BC | inject:value=A,at=start | inject:value=D,at=end")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res, err := ex.Execute(context.Background(), prog, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res.Output) != "ABCD" {
		t.Fatalf("expected ABCD, got %q", res.Output)
	}
}

func TestExecuteRegexSubstitution(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog, err := Parse("literal:value=foo123bar456 | regex:pattern=[0-9]+,replace=#")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res, err := ex.Execute(context.Background(), prog, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res.Output) != "foo#bar#" {
		t.Fatalf("expected foo#bar#, got %q", res.Output)
	}
}

func TestExecuteComposeWithLiteralAndHash(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	storedHash, err := store.Put([]byte("-SUFFIX"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	prog, err := Parse("literal:value=PREFIX | compose:with=" + storedHash)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res, err := ex.Execute(context.Background(), prog, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res.Output) != "PREFIX-SUFFIX" {
		t.Fatalf("expected PREFIX-SUFFIX, got %q", res.Output)
	}

	prog2, err := Parse("literal:value=PREFIX | compose:with=-LITERAL")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res2, err := ex.Execute(context.Background(), prog2, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res2.Output) != "PREFIX-LITERAL" {
		t.Fatalf("expected PREFIX-LITERAL, got %q", res2.Output)
	}
}

func TestExecuteStopsOnFirstFailure(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog := &Program{Instructions: []Instruction{
		{Verb: "literal", Args: []Arg{{Key: "value", Value: "x"}}},
		{Verb: "unknownverb"},
		{Verb: "literal", Args: []Arg{{Key: "value", Value: "never reached"}}},
	}}
	res, err := ex.Execute(context.Background(), prog, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if res.AtStep != 1 {
		t.Fatalf("expected failure at step 1, got %d", res.AtStep)
	}
	if string(res.Output) != "x" {
		t.Fatalf("expected output frozen at last successful step value 'x', got %q", res.Output)
	}
}

func TestExecuteIsDeterministic(t *testing.T) {
	store := openTestStore(t)
	ex := NewExecutor(store)

	prog, err := Parse("literal:value=determinism check | swap:old=check,new=verified | store")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	res1, err := ex.Execute(context.Background(), prog, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	res2, err := ex.Execute(context.Background(), prog, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if string(res1.Output) != string(res2.Output) {
		t.Fatalf("expected deterministic output, got %q vs %q", res1.Output, res2.Output)
	}
}
