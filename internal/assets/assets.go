// Package assets stores binary payloads (floor-plan backgrounds, object
// icons) outside the floor-plan graph and rewrites inline data URLs into
// references to them.
package assets

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"sync"

	"plixmap/api/internal/protocol"
)

// URLPrefix is the public path assets are served under.
const URLPrefix = "/api/assets/"

const maxInlineBytes = 25 << 20

var (
	ErrNotFound   = errors.New("asset not found")
	ErrInvalidURL = errors.New("invalid data url")
	ErrTooLarge   = errors.New("inline payload too large")
)

type Info struct {
	Key         string
	ContentType string
	Size        int64
}

type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) (io.ReadCloser, Info, error)
}

// ExtractInline uploads every inline data URL in the graph and replaces it
// with an asset reference. It reports how many references were rewritten.
func ExtractInline(ctx context.Context, store Store, clients []protocol.Client) (int, error) {
	var (
		count    int
		firstErr error
	)
	rewrite := func(ref *string) {
		if firstErr != nil || !protocol.IsInlineData(*ref) {
			return
		}
		contentType, data, err := ParseDataURL(*ref)
		if err != nil {
			firstErr = err
			return
		}
		key := KeyFor(contentType, data)
		if err := store.Put(ctx, key, contentType, data); err != nil {
			firstErr = fmt.Errorf("store asset %s: %w", key, err)
			return
		}
		*ref = URLPrefix + key
		count++
	}
	protocol.EachPlan(clients, func(_ *protocol.Client, _ *protocol.Site, plan *protocol.FloorPlan) {
		rewrite(&plan.ImageURL)
		for i := range plan.Objects {
			rewrite(&plan.Objects[i].ImageURL)
		}
	})
	return count, firstErr
}

// HasInline reports whether any image in the graph is still inline.
func HasInline(clients []protocol.Client) bool {
	found := false
	protocol.EachPlan(clients, func(_ *protocol.Client, _ *protocol.Site, plan *protocol.FloorPlan) {
		if protocol.IsInlineData(plan.ImageURL) {
			found = true
		}
		for _, obj := range plan.Objects {
			if protocol.IsInlineData(obj.ImageURL) {
				found = true
			}
		}
	})
	return found
}

// KeyFor derives a content-addressed key, so re-uploading the same image is
// a no-op overwrite.
func KeyFor(contentType string, data []byte) string {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		key += exts[0]
	}
	return key
}

// ParseDataURL decodes "data:[<mediatype>][;base64],<data>".
func ParseDataURL(ref string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return "", nil, ErrInvalidURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrInvalidURL
	}
	isBase64 := false
	if trimmed, found := strings.CutSuffix(meta, ";base64"); found {
		meta = trimmed
		isBase64 = true
	}
	contentType := "text/plain"
	if meta != "" {
		mediaType, _, err := mime.ParseMediaType(meta)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		contentType = mediaType
	}

	var data []byte
	if isBase64 {
		if base64.StdEncoding.DecodedLen(len(payload)) > maxInlineBytes {
			return "", nil, ErrTooLarge
		}
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		data = decoded
	} else {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		data = []byte(decoded)
	}
	if len(data) > maxInlineBytes {
		return "", nil, ErrTooLarge
	}
	return contentType, data, nil
}

// MemoryStore keeps assets in process. It backs development setups without
// an object store and the tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	contentType string
	data        []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (m *MemoryStore) Put(_ context.Context, key, contentType string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memoryObject{contentType: contentType, data: append([]byte(nil), data...)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, Info{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), Info{Key: key, ContentType: obj.contentType, Size: int64(len(obj.data))}, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
