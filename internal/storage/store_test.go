package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentPath(t *testing.T) {
	p := ContentPath([]byte("deck"), "Pitch.PDF")
	assert.True(t, strings.HasPrefix(p, "sha256/"))
	assert.True(t, strings.HasSuffix(p, ".pdf"))
	assert.Equal(t, p, ContentPath([]byte("deck"), "other.pdf"), "same bytes, same path")
}

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("%PDF-1.4 fake")
	p, err := store.Put(ctx, ContentPath(data, "deck.pdf"), data)
	require.NoError(t, err)

	got, err := store.Get(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLocalStoreIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)

	_, err = store.Put(ctx, "a/b.pdf", []byte("first"))
	require.NoError(t, err)
	_, err = store.Put(ctx, "a/b.pdf", []byte("second"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "a", "b.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestLocalStoreErrors(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(ctx, "missing.pdf")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	_, err = store.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)

	_, err = store.Put(ctx, "", []byte("x"))
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}

func TestInspectDeckRejectsNonPDF(t *testing.T) {
	_, err := InspectDeck([]byte("hello"), "text/plain")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	_, err = InspectDeck(nil, "application/pdf")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))

	info, err := InspectDeck([]byte{0x89, 'P', 'N', 'G'}, "image/png")
	require.NoError(t, err)
	assert.Equal(t, 1, info.PageCount)
}

func TestInspectDeckRejectsCorruptPDF(t *testing.T) {
	_, err := InspectDeck([]byte("%PDF-1.7\ngarbage"), "application/pdf")
	assert.True(t, apperrors.Is(err, apperrors.KindValidation))
}
