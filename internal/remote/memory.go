package remote

import (
	"context"
	"sync"
	"time"
)

// MemoryClient is an in-process document store used by tests and local dry
// runs. It mirrors the merge semantics of the MinIO client exactly.
type MemoryClient struct {
	mu   sync.RWMutex
	docs map[string]map[string]any

	// Now is the clock used to resolve server timestamps.
	Now func() time.Time
}

// NewMemoryClient creates an empty in-memory document store.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		docs: make(map[string]map[string]any),
		Now:  time.Now,
	}
}

func (c *MemoryClient) Apply(ctx context.Context, op WriteOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	data := resolveSentinels(op.Data, c.Now())
	if op.Kind == OpSetMerge {
		if existing, ok := c.docs[op.Path]; ok {
			merged := make(map[string]any, len(existing)+len(data))
			for k, v := range existing {
				merged[k] = v
			}
			for k, v := range data {
				merged[k] = v
			}
			data = merged
		}
	}
	c.docs[op.Path] = data
	return nil
}

func (c *MemoryClient) Get(ctx context.Context, path string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	doc, ok := c.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, nil
}

func (c *MemoryClient) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, path)
	return nil
}

func (c *MemoryClient) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.docs[path]
	return ok, nil
}

// Len returns the number of stored documents.
func (c *MemoryClient) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Paths returns all stored document paths.
func (c *MemoryClient) Paths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	paths := make([]string, 0, len(c.docs))
	for p := range c.docs {
		paths = append(paths, p)
	}
	return paths
}
