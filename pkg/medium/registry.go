package medium

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry holds the media known to the daemon, keyed by ID
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Image
	byName map[string]*Image
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*Image),
		byName: make(map[string]*Image),
	}
}

// Register adds an image. Names and IDs must be unique.
func (r *Registry) Register(img *Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[img.ID()]; exists {
		return fmt.Errorf("medium %s already registered", img.ID())
	}
	if _, exists := r.byName[img.Name()]; exists {
		return fmt.Errorf("medium named %q already registered", img.Name())
	}
	r.byID[img.ID()] = img
	r.byName[img.Name()] = img
	return nil
}

// Get returns the image with the given ID
func (r *Registry) Get(id uuid.UUID) (*Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.byID[id]
	return img, ok
}

// Lookup returns the image with the given name
func (r *Registry) Lookup(name string) (*Image, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.byName[name]
	return img, ok
}

// List returns all images sorted by name
func (r *Registry) List() []*Image {
	r.mu.RLock()
	defer r.mu.RUnlock()

	images := make([]*Image, 0, len(r.byName))
	for _, img := range r.byName {
		images = append(images, img)
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].Name() < images[j].Name()
	})
	return images
}
