package config

import (
	"fmt"
	"strings"

	"autotrader/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// WatchRisk re-loads the full configuration whenever path changes on disk and
// hands the new risk section to onChange. Invalid edits are logged and ignored,
// so the previous limits stay in force.
func WatchRisk(path string, onChange func(RiskConfig)) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("watch requires a config path")
	}
	if onChange == nil {
		return fmt.Errorf("watch requires a change callback")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config for watch failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logger.Errorf("[config] reload of %s rejected: %v", evt.Name, err)
			return
		}
		logger.Infof("[config] risk limits reloaded from %s", evt.Name)
		onChange(cfg.Risk)
	})
	v.WatchConfig()
	return nil
}
