package archive_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemind-academic/scholar-scraper/internal/archive"
	"github.com/hivemind-academic/scholar-scraper/internal/archive/memory"
)

func TestKeyIsContentAddressed(t *testing.T) {
	body := []byte("hello world")
	key := archive.Key("/profiles/", "AB12", body)
	assert.Equal(t, "profiles/AB12/b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9.html", key)
	assert.Equal(t, key, archive.Key("profiles", "AB12", body))
	assert.NotEqual(t, key, archive.Key("profiles", "AB12", []byte("changed")))
	assert.True(t, strings.HasPrefix(archive.Key("", "a/b", body), "a_b/"))
}

func TestArchiveStoresPage(t *testing.T) {
	store := memory.New()
	a, err := archive.New(store, "profiles")
	require.NoError(t, err)

	uri, err := a.Archive(context.Background(), "AB12", []byte("<html/>"))
	require.NoError(t, err)

	key := archive.Key("profiles", "AB12", []byte("<html/>"))
	assert.Equal(t, "memory://"+key, uri)
	got, ok := store.Get(key)
	require.True(t, ok)
	assert.Equal(t, "<html/>", string(got))
	assert.Equal(t, []string{key}, store.Keys())
}

func TestArchiveRequiresExternalID(t *testing.T) {
	a, err := archive.New(memory.New(), "")
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), " ", []byte("x"))
	require.Error(t, err)
}

type failingStore struct{}

func (failingStore) Put(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket gone")
}

func TestArchiveWrapsStoreErrors(t *testing.T) {
	a, err := archive.New(failingStore{}, "p")
	require.NoError(t, err)
	_, err = a.Archive(context.Background(), "AB12", []byte("x"))
	require.ErrorContains(t, err, "bucket gone")

	_, err = archive.New(nil, "p")
	require.Error(t, err)
}
