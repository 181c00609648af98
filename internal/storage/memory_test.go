package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dms/internal/apperr"
)

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	info, err := m.Put(ctx, "documents/1/1.txt", strings.NewReader("hello"), PutObjectOptions{Size: 5, ContentType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.NotEmpty(t, info.ETag)

	rc, got, err := m.Get(ctx, "documents/1/1.txt")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "text/plain", got.ContentType)

	link, err := m.PresignGet(ctx, "documents/1/1.txt", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, link, "documents/1/1.txt")

	require.NoError(t, m.Delete(ctx, "documents/1/1.txt"))
	require.NoError(t, m.Delete(ctx, "documents/1/1.txt"))
	_, _, err = m.Get(ctx, "documents/1/1.txt")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, m.Keys())
}

func TestMemory_SizeMismatch(t *testing.T) {
	_, err := NewMemory().Put(context.Background(), "k", strings.NewReader("abc"), PutObjectOptions{Size: 10})
	assert.Error(t, err)
}

func TestMemory_Fail(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Fail(apperr.Transient(errors.New("connection refused")))

	_, err := m.Put(ctx, "k", strings.NewReader("a"), PutObjectOptions{Size: 1})
	assert.True(t, apperr.IsTransient(err))
	assert.True(t, apperr.IsTransient(m.Ping(ctx)))

	m.Fail(nil)
	assert.NoError(t, m.Ping(ctx))
}
