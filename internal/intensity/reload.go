package intensity

import "go.uber.org/zap"

// Reload applies a new config to the running engine. An identical config
// preserves every indicator as-is. Any other change rebuilds every indicator:
// a buffer length change alone keeps the newest pairs, while a new depth
// mode or side policy starts each instrument empty. Returns the number of
// preserved and rebuilt instruments.
func (e *Engine) Reload(cfg Config) (preserved, rebuilt int, err error) {
	if err := ValidateConfig(cfg); err != nil {
		return 0, 0, err
	}
	if cfg.withDefaults() == e.cfg.withDefaults() {
		e.logger.Info("config unchanged", zap.Int("instruments", len(e.state)))
		return len(e.state), 0, nil
	}

	carry := cfg.sameFit(e.cfg)
	for key, st := range e.state {
		ind, err := cfg.newIndicator()
		if err != nil {
			return preserved, rebuilt, err
		}
		if carry {
			if err := ind.RestoreFromSnapshot(st.ind.Snapshot()); err != nil {
				e.logger.Warn("reload cold-started instrument", zap.String("key", key), zap.Error(err))
			}
		}
		st.ind = ind
		rebuilt++
	}

	e.logger.Info("config reloaded",
		zap.Int("buffer_length", cfg.BufferLength),
		zap.String("depth", string(cfg.Depth)),
		zap.String("policy", string(cfg.Policy)),
		zap.Int("rebuilt", rebuilt),
		zap.Bool("pairs_kept", carry))
	e.cfg = cfg
	return preserved, rebuilt, nil
}
