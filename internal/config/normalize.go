package config

// normalize fills every unset field from Default. Security registers are
// the exception: an explicit zero count is kept only when the register size
// is also set.
func normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	def := Default()

	c, dc := &cfg.Chip, def.Chip
	setU32(&c.SizeBytes, dc.SizeBytes)
	setU32(&c.SectorBytes, dc.SectorBytes)
	setU32(&c.SubsectorBytes, dc.SubsectorBytes)
	setU32(&c.PageBytes, dc.PageBytes)
	setU32(&c.SubsectorEraseMs, dc.SubsectorEraseMs)
	setU32(&c.SectorEraseMs, dc.SectorEraseMs)
	if c.WriteBusyPolls == 0 {
		c.WriteBusyPolls = dc.WriteBusyPolls
	}
	if c.SecurityRegisters == 0 && c.SecurityRegisterBytes == 0 {
		c.SecurityRegisters = dc.SecurityRegisters
		c.SecurityRegisterBytes = dc.SecurityRegisterBytes
	}

	d, dd := &cfg.Driver, def.Driver
	setU32(&d.ReadResumeMs, dd.ReadResumeMs)
	setU32(&d.WriteResumeMs, dd.WriteResumeMs)
	setU32(&d.MinEraseSliceMs, dd.MinEraseSliceMs)
	setU32(&d.WatchdogFeedCutoffMs, dd.WatchdogFeedCutoffMs)
	setU32(&d.RecoveryPollMs, dd.RecoveryPollMs)
	setU32(&d.RecoveryTimeoutMs, dd.RecoveryTimeoutMs)

	setU32(&cfg.Watchdog.TimeoutMs, def.Watchdog.TimeoutMs)
}

func setU32(v *uint32, def uint32) {
	if *v == 0 {
		*v = def
	}
}
