package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesLayoutAndLock(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir)
	require.Error(t, err, "a second Open against the same directory must fail per the single-writer invariant")
}

func TestAccountKeyGeneratedOnce(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	key1, err := s.AccountKey()
	require.NoError(t, err)

	key2, err := s.AccountKey()
	require.NoError(t, err)

	require.True(t, key1.Equal(key2), "AccountKey must be stable across calls")
}

func TestEnsureDefaultIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.EnsureDefault())

	path := filepath.Join(dir, defaultCertFile)
	info1, err := statModTime(path)
	require.NoError(t, err)

	require.NoError(t, s.EnsureDefault())
	info2, err := statModTime(path)
	require.NoError(t, err)

	require.Equal(t, info1, info2, "EnsureDefault must not rewrite an existing default cert")
}

func TestPutListGetNotAfter(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	pemBytes, notAfter := selfSignedPEM(t, "a.example.com", 29*24*time.Hour)

	require.NoError(t, s.Put("a.example.com", pemBytes))

	domains, err := s.List()
	require.NoError(t, err)
	require.Equal(t, []string{"a.example.com"}, domains)

	got, err := s.Get("a.example.com")
	require.NoError(t, err)
	require.Equal(t, pemBytes, got)

	gotNotAfter, err := s.NotAfter("a.example.com")
	require.NoError(t, err)
	require.WithinDuration(t, notAfter, gotNotAfter, time.Second)
}

func TestPutIsAtomicReplace(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	first, _ := selfSignedPEM(t, "a.example.com", time.Hour)
	require.NoError(t, s.Put("a.example.com", first))

	second, _ := selfSignedPEM(t, "a.example.com", 2*time.Hour)
	require.NoError(t, s.Put("a.example.com", second))

	got, err := s.Get("a.example.com")
	require.NoError(t, err)
	require.Equal(t, second, got)

	entries, err := filepath.Glob(filepath.Join(dir, certsDir, ".tmp-*"))
	require.NoError(t, err)
	require.Empty(t, entries, "no leftover temp files after a successful Put")
}
