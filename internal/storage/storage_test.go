package storage_test

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"testing"

	"packline/internal/storage"
)

func zipWith(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestValidateArchive(t *testing.T) {
	good := zipWith(t, "AndroidManifest.xml", "classes.dex")
	if err := storage.ValidateArchive(good, "AndroidManifest.xml"); err != nil {
		t.Fatalf("valid archive rejected: %v", err)
	}
	if err := storage.ValidateArchive(good, ""); err != nil {
		t.Fatalf("no required entry: %v", err)
	}

	cases := map[string][]byte{
		"empty":         nil,
		"not zip":       []byte("PK but not really"),
		"truncated":     good[:10],
		"missing entry": zipWith(t, "classes.dex"),
	}
	for name, content := range cases {
		if err := storage.ValidateArchive(content, "AndroidManifest.xml"); !errors.Is(err, storage.ErrInvalidArchive) {
			t.Errorf("%s: err = %v, want ErrInvalidArchive", name, err)
		}
	}
}

func TestSaveUploadAndChecksum(t *testing.T) {
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := zipWith(t, "AndroidManifest.xml")

	sum, err := store.SaveUpload("art-1", content, "AndroidManifest.xml")
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 16 {
		t.Fatalf("checksum %q, want 16 hex chars", sum)
	}
	if sum != storage.Checksum(content) {
		t.Fatal("checksum does not match content digest")
	}
	saved, err := os.ReadFile(store.ArchivePath("art-1"))
	if err != nil || !bytes.Equal(saved, content) {
		t.Fatalf("stored bytes differ: %v", err)
	}

	if _, err := store.SaveUpload("art-2", []byte("garbage"), ""); !errors.Is(err, storage.ErrInvalidArchive) {
		t.Fatalf("invalid upload: %v", err)
	}
	if _, err := os.Stat(store.ArchivePath("art-2")); !os.IsNotExist(err) {
		t.Fatal("rejected upload left a file")
	}
}

func TestRemoveHelpers(t *testing.T) {
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := zipWith(t, "AndroidManifest.xml")
	if _, err := store.SaveUpload("art-1", content, ""); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveArchive("art-1"); err != nil {
		t.Fatal(err)
	}
	// Removing what is already gone must not error.
	if err := store.RemoveArchive("art-1"); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveTaskFiles("task-never-ran"); err != nil {
		t.Fatal(err)
	}
}
