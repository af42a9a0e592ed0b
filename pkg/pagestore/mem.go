package pagestore

import (
	"sort"
	"sync"
)

// MemStore is a Store kept in memory. It is used by tests and throwaway engines.
type MemStore struct {
	mu     sync.Mutex
	images map[Kind]map[[2]uint32][]byte
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{images: make(map[Kind]map[[2]uint32][]byte)}
}

// Save implements Store.
func (ms *MemStore) Save(kind Kind, images []Image) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	m, ok := ms.images[kind]
	if !ok {
		m = make(map[[2]uint32][]byte)
		ms.images[kind] = m
	}
	for _, img := range images {
		m[[2]uint32{img.Space, img.Page}] = append([]byte(nil), img.Data...)
	}
	return nil
}

// Load implements Store.
func (ms *MemStore) Load(kind Kind, fn func(Image) error) error {
	ms.mu.Lock()
	var images []Image
	for k, v := range ms.images[kind] {
		images = append(images, Image{Space: k[0], Page: k[1], Data: append([]byte(nil), v...)})
	}
	ms.mu.Unlock()

	sort.Slice(images, func(i, j int) bool {
		if images[i].Space != images[j].Space {
			return images[i].Space < images[j].Space
		}
		return images[i].Page < images[j].Page
	})
	for _, img := range images {
		if err := fn(img); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (ms *MemStore) Close() error {
	return nil
}
