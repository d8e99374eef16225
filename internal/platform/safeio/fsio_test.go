package safeio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type record struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

func TestWriteJSONAtomicAndReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	require.NoError(t, WriteJSONAtomic(path, record{SKU: "abc", Qty: 5}))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	require.Equal(t, record{SKU: "abc", Qty: 5}, got)

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteJSONAtomicOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	require.NoError(t, WriteJSONAtomic(path, record{SKU: "a", Qty: 1}))
	require.NoError(t, WriteJSONAtomic(path, record{SKU: "a", Qty: 2}))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	require.Equal(t, 2, got.Qty)
}

func TestFileExistsAndDeleteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	require.False(t, FileExists(path))
	require.NoError(t, WriteJSONAtomic(path, record{SKU: "a", Qty: 1}))
	require.True(t, FileExists(path))

	require.NoError(t, DeleteFile(path))
	require.False(t, FileExists(path))

	// Deleting an already-missing file is not an error.
	require.NoError(t, DeleteFile(path))
}

func TestEnsureDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")
	require.NoError(t, EnsureDir(nested))
	info, err := os.Stat(nested)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestCreateExclusiveRejectsSecondWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lease.json")

	require.NoError(t, CreateExclusive(path, []byte("first")))
	err := CreateExclusive(path, []byte("second"))
	require.ErrorIs(t, err, os.ErrExist)
}

func TestReadJSONMissingFile(t *testing.T) {
	var got record
	err := ReadJSON(filepath.Join(t.TempDir(), "missing.json"), &got)
	require.Error(t, err)
}
