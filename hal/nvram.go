package hal

import "sync"

// MemNVRAM is a retained word that survives as long as the process does.
type MemNVRAM struct {
	mu sync.Mutex
	w  uint32
}

func NewMemNVRAM() *MemNVRAM { return &MemNVRAM{} }

func (n *MemNVRAM) LoadWord() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.w
}

func (n *MemNVRAM) StoreWord(w uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.w = w
}
