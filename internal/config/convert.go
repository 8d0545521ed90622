package config

import (
	"strings"

	logx "delayq/pkg/logx"
)

const (
	DefaultTimerName = "delayq"
	DefaultPprofAddr = "127.0.0.1:6060"
)

// LogConfig maps the logging section onto logx.
func (c *Config) LogConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (t TimerConfig) NameOrDefault() string {
	if s := strings.TrimSpace(t.Name); s != "" {
		return s
	}
	return DefaultTimerName
}

// Inline reports whether callbacks should run on the timer worker itself.
func (t TimerConfig) Inline() bool {
	return strings.EqualFold(strings.TrimSpace(t.Invoke), "inline")
}

func (p PprofConfig) AddrOrDefault() string {
	if s := strings.TrimSpace(p.Addr); s != "" {
		return s
	}
	return DefaultPprofAddr
}
