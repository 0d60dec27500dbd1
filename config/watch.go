package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/go-ini/ini"
	log "github.com/sirupsen/logrus"
)

// Watch re-reads iniFile whenever it changes and delivers the updated
// settings through fn. Only keys that are safe to flip at runtime are
// re-applied; everything else keeps the value cfg started with. The
// returned stop function releases the watcher.
func Watch(iniFile string, cfg AppConfig, fn func(AppConfig)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Errorf("failed creating a new watcher: %v", err)
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				log.Debugf("config file changed: %s", event.Name)
				fn(reload(iniFile, cfg))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("watcher error: %v", err)
			}
		}
	}()

	if err := watcher.Add(iniFile); err != nil {
		watcher.Close()
		return nil, err
	}
	return func() { watcher.Close() }, nil
}

func reload(iniFile string, cfg AppConfig) AppConfig {
	f, err := ini.Load(iniFile)
	if err != nil {
		log.Errorf("config reload: %v", err)
		return cfg
	}
	s, err := f.GetSection("Default")
	if err != nil {
		return cfg
	}
	if v := s.Key("debug"); v != nil {
		if b, err := v.Bool(); err == nil {
			cfg.Debug = b
		}
	}
	if v := s.Key("console"); v != nil {
		if b, err := v.Bool(); err == nil {
			cfg.Console = b
		}
	}
	return cfg
}
