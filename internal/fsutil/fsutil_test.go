package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveAndLoadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	in := map[string]string{"salt": "aa", "hash": "bb"}
	if err := SaveJSON(path, in, 0o600, 0o700); err != nil {
		t.Fatalf("save: %v", err)
	}
	st, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o700 {
		t.Fatalf("dir perm: got %o", st.Mode().Perm())
	}
	var out map[string]string
	ok, err := LoadJSON(path, &out)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if out["hash"] != "bb" {
		t.Fatalf("roundtrip mismatch: %v", out)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestLoadJSONMissing(t *testing.T) {
	var out map[string]string
	ok, err := LoadJSON(filepath.Join(t.TempDir(), "none.json"), &out)
	if ok || err != nil {
		t.Fatalf("expected missing without error, got ok=%v err=%v", ok, err)
	}
}

func TestCopyDirOverwritesAndNormalize(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "a", "b"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "a", "b", "f.txt"), []byte("new"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("b/f.txt", filepath.Join(src, "a", "link")); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dst, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dst, "a", "b", "f.txt"), []byte("old-content"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := CopyDir(src, dst); err != nil {
		t.Fatalf("copy: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dst, "a", "b", "f.txt"))
	if err != nil || string(got) != "new" {
		t.Fatalf("copied content: %q err=%v", got, err)
	}
	if link, err := os.Readlink(filepath.Join(dst, "a", "link")); err != nil || link != "b/f.txt" {
		t.Fatalf("symlink not preserved: %q err=%v", link, err)
	}

	if err := NormalizeTree(filepath.Join(dst, "a"), 0o755, 0o644); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	st, _ := os.Stat(filepath.Join(dst, "a", "b"))
	if st.Mode().Perm() != 0o755 {
		t.Fatalf("dir perm: got %o", st.Mode().Perm())
	}
	st, _ = os.Stat(filepath.Join(dst, "a", "b", "f.txt"))
	if st.Mode().Perm() != 0o644 {
		t.Fatalf("file perm: got %o", st.Mode().Perm())
	}
}

func TestCopyDirRejectsFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CopyDir(f, t.TempDir()); err == nil {
		t.Fatal("expected error copying a file as directory")
	}
}
