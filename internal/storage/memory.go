package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"dms/internal/apperr"
)

type memoryObject struct {
	data []byte
	info ObjectInfo
}

// Memory is an in-process Storage used for local development and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	failure error
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]memoryObject), now: time.Now}
}

var _ Storage = (*Memory)(nil)

// Fail makes every subsequent call return err until Fail(nil) is called.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, opt PutObjectOptions) (ObjectInfo, error) {
	if err := m.check(ctx); err != nil {
		return ObjectInfo{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read object %s: %w", key, err)
	}
	if opt.Size >= 0 && int64(len(data)) != opt.Size {
		return ObjectInfo{}, fmt.Errorf("put object %s: read %d bytes, expected %d", key, len(data), opt.Size)
	}
	sum := md5.Sum(data)
	info := ObjectInfo{
		Key:          key,
		Size:         int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  opt.ContentType,
		LastModified: m.now(),
		Metadata:     opt.Metadata,
	}

	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, info: info}
	m.mu.Unlock()
	return info, nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := m.check(ctx); err != nil {
		return nil, ObjectInfo{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ObjectInfo{}, apperr.NotFound("object not found")
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	if err := m.check(ctx); err != nil {
		return "", err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return "", apperr.NotFound("object not found")
	}
	u := url.URL{Scheme: "memory", Host: "objects", Path: "/" + key}
	q := u.Query()
	q.Set("expires", fmt.Sprint(m.now().Add(expiry).Unix()))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.check(ctx)
}

// Keys returns the stored object keys.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failure
}
