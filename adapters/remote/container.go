package remote

import (
	"context"
	"fmt"
	"net/http"

	"github.com/artpar/assembly/core/container"
	"github.com/artpar/assembly/ports"
)

// Endpoint describes a batch lookup on the remote service.
//
// API Contract:
//
//	POST {path}
//	Request:  {"keys": [1, 2, 3]}
//	Response: {"items": [{"id": 1, ...}, {"id": 2, ...}]}
//
// Items are matched back to keys through KeyField. A 404 response means
// no key matched.
type Endpoint struct {
	Path     string `yaml:"path" validate:"required"`
	KeyField string `yaml:"key" validate:"required"`
	// Many groups every item sharing a key into a list (OneToMany).
	Many bool `yaml:"many"`
	// BatchSize bounds the keys sent per request. Zero sends them all.
	BatchSize int `yaml:"batch_size"`
}

type batchRequest struct {
	Keys []any `json:"keys"`
}

type batchResponse struct {
	Items []map[string]any `json:"items"`
}

// NewContainer creates a container fetching from ep.
func NewContainer(client *Client, namespace string, ep Endpoint) (*container.Keyed, error) {
	if ep.Path == "" || ep.KeyField == "" {
		return nil, fmt.Errorf("container %q: path and key field are required", namespace)
	}

	load := func(ctx context.Context, keys []any) ([]any, error) {
		size := ep.BatchSize
		if size <= 0 {
			size = len(keys)
		}

		var out []any
		for start := 0; start < len(keys); start += size {
			var resp batchResponse
			err := client.Request(ctx, http.MethodPost, ep.Path, batchRequest{Keys: keys[start:min(start+size, len(keys))]}, &resp)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, item := range resp.Items {
				out = append(out, item)
			}
		}
		return out, nil
	}

	keyOf := func(entity any) (any, error) {
		item, ok := entity.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected item type %T", entity)
		}
		return item[ep.KeyField], nil
	}

	mt := ports.OneToOne
	if ep.Many {
		mt = ports.OneToMany
	}
	return container.NewKeyed(namespace, load, keyOf, container.WithMappingType(mt)), nil
}
