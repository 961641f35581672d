package config

import (
	"fmt"
	"sync"

	"github.com/smnsjas/agentmux"
)

// Persister adapts a Document and its file path to the mapping.Persister
// interface: each Persist call updates the document's key mappings in
// memory and atomically rewrites the file.
type Persister struct {
	mu   sync.Mutex
	doc  *Document
	path string
}

// NewPersister creates a Persister bound to doc and the file it was loaded
// from (or will be saved to).
func NewPersister(doc *Document, path string) *Persister {
	return &Persister{doc: doc, path: path}
}

// Persist implements mapping.Persister.
func (p *Persister) Persist(mappings []agentmux.KeyMapping) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doc.SetKeyMappingValues(mappings)
	if err := p.doc.Save(p.path); err != nil {
		return fmt.Errorf("config: persist mappings: %w", err)
	}
	return nil
}
