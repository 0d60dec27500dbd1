package config

import (
	"time"

	"github.com/go-ini/ini"
	"github.com/spf13/pflag"
)

type AppConfig struct {
	Debug       bool
	Console     bool
	Image       string
	ReadOnly    bool
	QueueSize   int
	PollTimeout time.Duration
	StatAddr    string
	Advertise   bool
	Hostname    string

	// ConfigFile is the INI file the settings were loaded from, empty when
	// none of the candidates existed.
	ConfigFile string
}

func NewConfig(iniFile []string) AppConfig {
	cfg := AppConfig{
		Debug:       false,
		Console:     true,
		Image:       "disk.img",
		ReadOnly:    true,
		QueueSize:   128,
		PollTimeout: 5 * time.Second,
		StatAddr:    "127.0.0.1:8082",
		Advertise:   false,
		Hostname:    "BlkVfs",
	}

	var f *ini.File
	var err error
	for _, file := range iniFile {
		if f, err = ini.Load(file); err == nil {
			cfg.ConfigFile = file
			break
		}
	}

	if err == nil {
		s, err := f.GetSection("Default")
		if err == nil {
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
			if v := s.Key("image"); v != nil && v.String() != "" {
				cfg.Image = v.String()
			}
			if v := s.Key("readonly"); v != nil {
				if b, err := v.Bool(); err == nil {
					cfg.ReadOnly = b
				}
			}
			if v := s.Key("queue_size"); v != nil {
				if n, err := v.Int(); err == nil && n > 0 {
					cfg.QueueSize = n
				}
			}
			if v := s.Key("poll_timeout_ms"); v != nil {
				if n, err := v.Int(); err == nil && n > 0 {
					cfg.PollTimeout = time.Duration(n) * time.Millisecond
				}
			}
		}
	}

	pflag.BoolVarP(&cfg.Debug, "debug", "d", cfg.Debug, "debug mode")
	pflag.BoolVarP(&cfg.Console, "console", "c", cfg.Console, "output logs to console")
	pflag.StringVarP(&cfg.Image, "image", "i", cfg.Image, "disk image to serve")
	pflag.BoolVarP(&cfg.ReadOnly, "readonly", "r", cfg.ReadOnly, "mount the image read-only")
	pflag.IntVar(&cfg.QueueSize, "queue_size", cfg.QueueSize, "virtqueue size cap")
	pflag.DurationVar(&cfg.PollTimeout, "poll_timeout", cfg.PollTimeout, "device completion poll timeout")
	pflag.StringVarP(&cfg.StatAddr, "stat_addr", "l", cfg.StatAddr, "statistics endpoint listen address")
	pflag.BoolVarP(&cfg.Advertise, "advertise", "a", cfg.Advertise, "advertise the statistics endpoint")
	pflag.StringVarP(&cfg.Hostname, "hostname", "h", cfg.Hostname, "hostname to advertise")
	pflag.Parse()

	return cfg
}
