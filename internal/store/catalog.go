package store

import (
	"fmt"
	"sync"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/serializer"
)

// rawAccess is the part of engine.Store the catalog needs.
type rawAccess interface {
	GetRaw(recid uint64) ([]byte, error)
	UpdateRaw(recid uint64, data []byte) error
}

var catalogSerializer = serializer.CBOR[map[string]uint64]()

// catalog keeps the name registry as a single CBOR-encoded map stored in
// RecidNameCatalog.
type catalog struct {
	mu sync.Mutex
}

func (c *catalog) load(s rawAccess) (map[string]uint64, error) {
	raw, err := s.GetRaw(RecidNameCatalog)
	if err != nil {
		return nil, err
	}
	v, err := serializer.Unmarshal(catalogSerializer, raw)
	if err != nil {
		return nil, fmt.Errorf("name catalog: %w", err)
	}
	if v == nil {
		return map[string]uint64{}, nil
	}
	names := v.(map[string]uint64)
	if names == nil {
		names = map[string]uint64{}
	}
	return names, nil
}

func (c *catalog) lookup(s rawAccess, name string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	names, err := c.load(s)
	if err != nil {
		return engine.NoRecid, err
	}
	return names[name], nil
}

func (c *catalog) set(s rawAccess, name string, recid uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	names, err := c.load(s)
	if err != nil {
		return err
	}
	if recid == engine.NoRecid {
		if _, ok := names[name]; !ok {
			return nil
		}
		delete(names, name)
	} else {
		names[name] = recid
	}
	raw, err := serializer.Marshal(catalogSerializer, names)
	if err != nil {
		return err
	}
	return s.UpdateRaw(RecidNameCatalog, raw)
}
