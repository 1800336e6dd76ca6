package hal

// SimFlashConfig describes the simulated NOR chip used on the host.
type SimFlashConfig struct {
	// Path is the backing image file. Empty keeps the image in memory.
	Path string

	SizeBytes      uint32
	SectorBytes    uint32
	SubsectorBytes uint32
	PageBytes      uint32

	SubsectorEraseMs uint32
	SectorEraseMs    uint32

	// WriteBusyPolls is how many WriteStatus calls report OpBusy after each page.
	WriteBusyPolls int

	SecurityRegisters     int
	SecurityRegisterBytes uint32
}

// DefaultSimFlashConfig is a 4 MiB chip with 4 KiB subsectors and 64 KiB sectors.
func DefaultSimFlashConfig() SimFlashConfig {
	return SimFlashConfig{
		SizeBytes:             4 * 1024 * 1024,
		SectorBytes:           64 * 1024,
		SubsectorBytes:        4 * 1024,
		PageBytes:             256,
		SubsectorEraseMs:      45,
		SectorEraseMs:         150,
		WriteBusyPolls:        1,
		SecurityRegisters:     3,
		SecurityRegisterBytes: 256,
	}
}
