// Package storage holds the document store backends.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// DocumentStore is content-addressed, write-once binary storage.
type DocumentStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) (string, error)
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentPath derives the storage path for data, keeping the file extension.
func ContentPath(data []byte, filename string) string {
	digest := Digest(data)
	ext := strings.ToLower(path.Ext(filename))
	return path.Join("sha256", digest[:2], digest+ext)
}

func cleanPath(p string) (string, bool) {
	p = path.Clean("/" + p)[1:]
	if p == "" || strings.HasPrefix(p, "..") {
		return "", false
	}
	return p, true
}
