package fsutil

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAtomic_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")

	data := []byte(`{"phase": "review"}`)
	if err := WriteAtomic(path, data); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if err := WriteAtomic(path, data); err != nil {
		t.Fatalf("WriteAtomic overwrite: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("file content = %q, want %q", got, data)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only state.json, found %d entries", len(entries))
	}
}

func TestReadJSON_Errors(t *testing.T) {
	dir := t.TempDir()

	var v map[string]any
	err := ReadJSON(filepath.Join(dir, "missing.json"), &v)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want ErrNotExist", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ReadJSON(bad, &v); !errors.Is(err, ErrMalformed) {
		t.Errorf("malformed file: got %v, want ErrMalformed", err)
	}
}

func TestWriteReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.json")
	type rec struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := WriteJSON(path, rec{Name: "alpha", Count: 2}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var got rec
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Name != "alpha" || got.Count != 2 {
		t.Errorf("got %+v", got)
	}
}

func TestAppendJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.jsonl")
	if err := AppendJSONLines(path, []int{1, 2}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendJSONLines(path, []int{3}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendJSONLines[int](path, nil); err != nil {
		t.Fatalf("append nil: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}
