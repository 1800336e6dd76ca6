//go:build !tinygo

package hal

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// FileNVRAM keeps the retained word in a 4-byte little-endian file so it
// survives a process kill.
type FileNVRAM struct {
	mu     sync.Mutex
	path   string
	w      uint32
	logger Logger
}

// NewFileNVRAM loads path, treating a missing file as zero.
func NewFileNVRAM(path string, logger Logger) (*FileNVRAM, error) {
	n := &FileNVRAM{path: path, logger: logger}
	b, err := os.ReadFile(path)
	switch {
	case err == nil && len(b) == 4:
		n.w = binary.LittleEndian.Uint32(b)
	case err == nil:
		return nil, fmt.Errorf("nvram %q: size %d, want 4", path, len(b))
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("nvram %q: %w", path, err)
	}
	return n, nil
}

func (n *FileNVRAM) LoadWord() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.w
}

func (n *FileNVRAM) StoreWord(w uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.w = w
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	if err := os.WriteFile(n.path, b[:], 0o644); err != nil && n.logger != nil {
		n.logger.WriteLineString("nvram: store failed: " + err.Error())
	}
}
