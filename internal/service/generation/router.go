package generation

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ifuryst/autoreel/internal/failure"
	"github.com/ifuryst/autoreel/internal/models"
)

// Router picks an adapter per content kind. Handles it returns carry the
// adapter name as a "name:" prefix so a later Poll reaches the same vendor,
// even after a restart with a different routing table.
type Router struct {
	adapters map[string]Adapter
	byKind   map[models.ContentKind]string
}

func NewRouter() *Router {
	return &Router{
		adapters: make(map[string]Adapter),
		byKind:   make(map[models.ContentKind]string),
	}
}

func (r *Router) Register(adapter Adapter) error {
	name := adapter.Name()
	if strings.Contains(name, ":") {
		return fmt.Errorf("adapter name %q must not contain ':'", name)
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("generation adapter %s already registered", name)
	}
	r.adapters[name] = adapter
	return nil
}

// Route sends every request of kind to the named adapter.
func (r *Router) Route(kind models.ContentKind, name string) error {
	if _, ok := r.adapters[name]; !ok {
		return fmt.Errorf("generation adapter %s not registered", name)
	}
	r.byKind[kind] = name
	return nil
}

func (r *Router) Name() string {
	return "router"
}

func (r *Router) Submit(ctx context.Context, req Request) (string, error) {
	name, ok := r.byKind[req.Kind]
	if !ok {
		return "", failure.Missingf("no generation provider configured for %s", req.Kind)
	}
	handle, err := r.adapters[name].Submit(ctx, req)
	if err != nil {
		return "", err
	}
	return name + ":" + handle, nil
}

func (r *Router) Poll(ctx context.Context, handle string) (*Progress, error) {
	name, inner, ok := strings.Cut(handle, ":")
	if !ok {
		return nil, failure.Rejectedf("malformed job handle %q", handle)
	}
	adapter, exists := r.adapters[name]
	if !exists {
		return nil, failure.Rejectedf("unknown generation provider %q", name)
	}
	return adapter.Poll(ctx, inner)
}

// Handles reports whether a registered adapter must open url itself.
func (r *Router) Handles(url string) bool {
	return r.openerFor(url) != nil
}

func (r *Router) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	opener := r.openerFor(url)
	if opener == nil {
		return nil, fmt.Errorf("no generation provider opens %s", url)
	}
	return opener.Open(ctx, url)
}

func (r *Router) openerFor(url string) AssetOpener {
	for _, adapter := range r.adapters {
		if opener, ok := adapter.(AssetOpener); ok && opener.Handles(url) {
			return opener
		}
	}
	return nil
}
