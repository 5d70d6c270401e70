// Package archive keeps the raw HTML of scraped profiles so parser changes
// can be replayed without refetching.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
)

// ContentType is recorded on every archived page.
const ContentType = "text/html; charset=utf-8"

// Store persists one object and returns its URI.
type Store interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// Archiver names pages by scholar and content digest.
type Archiver struct {
	store  Store
	prefix string
}

// New returns an Archiver writing under prefix.
func New(store Store, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("archive store is required")
	}
	return &Archiver{store: store, prefix: strings.Trim(prefix, "/")}, nil
}

// Archive stores body at <prefix>/<externalID>/<sha256>.html. Identical
// content for the same scholar maps to the same key.
func (a *Archiver) Archive(ctx context.Context, externalID string, body []byte) (string, error) {
	if strings.TrimSpace(externalID) == "" {
		return "", fmt.Errorf("archive: external id is required")
	}
	uri, err := a.store.Put(ctx, Key(a.prefix, externalID, body), ContentType, body)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", externalID, err)
	}
	return uri, nil
}

// Key builds the object key for a page.
func Key(prefix, externalID string, body []byte) string {
	sum := sha256.Sum256(body)
	name := hex.EncodeToString(sum[:]) + ".html"
	id := strings.ReplaceAll(externalID, "/", "_")
	if prefix = strings.Trim(prefix, "/"); prefix == "" {
		return path.Join(id, name)
	}
	return path.Join(prefix, id, name)
}
