// Package storage archives raw rally pages so a run can be audited or
// re-parsed without fetching the source again.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/JakeFAU/rallyscraper/internal/rally"
)

const htmlContentType = "text/html; charset=utf-8"

// Archive writes page bodies to a rally.BlobStore under content-addressed
// paths of the form {prefix}/{season}/{slug}/{sha256}.html.
type Archive struct {
	store  rally.BlobStore
	prefix string
}

// NewArchive wraps store. A nil store yields a nil Archive, which discards
// everything.
func NewArchive(store rally.BlobStore, prefix string) *Archive {
	if store == nil {
		return nil
	}
	return &Archive{store: store, prefix: strings.Trim(prefix, "/")}
}

// Store writes body and returns the object URI. A nil Archive returns "".
func (a *Archive) Store(ctx context.Context, season int, slug string, body []byte) (string, error) {
	if a == nil {
		return "", nil
	}
	objectPath := ObjectPath(a.prefix, season, slug, body)
	uri, err := a.store.PutObject(ctx, objectPath, htmlContentType, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", objectPath, err)
	}
	return uri, nil
}

// ObjectPath returns the archive path for a page body.
func ObjectPath(prefix string, season int, slug string, body []byte) string {
	sum := sha256.Sum256(body)
	return path.Join(prefix, strconv.Itoa(season), cleanSlug(slug), hex.EncodeToString(sum[:])+".html")
}

// cleanSlug keeps slugs to a safe character set and drops dot segments.
func cleanSlug(slug string) string {
	var parts []string
	for _, seg := range strings.Split(slug, "/") {
		seg = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
				return r
			default:
				return '-'
			}
		}, seg)
		if seg == "" || strings.Trim(seg, ".") == "" {
			continue
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "/")
}
