package browser

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// DefaultDialTimeout is applied when no dial timeout is configured.
const DefaultDialTimeout = 30 * time.Second

// Duration wraps time.Duration so TOML files can use values like "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Options configures a browser connection.
type Options struct {
	// WSURL is the browser's websocket debugger URL
	// (e.g. ws://127.0.0.1:9222/devtools/browser/<id>).
	WSURL string `toml:"ws_url"`

	// DialTimeout bounds the websocket dial.
	DialTimeout Duration `toml:"dial_timeout"`

	// LogLevel sets the logrus level name ("debug", "info", ...).
	LogLevel string `toml:"log_level"`

	// Logger overrides the default logger; not loadable from a file.
	Logger *logrus.Entry `toml:"-"`
}

// LoadOptions reads options from a TOML file.
func LoadOptions(path string) (Options, error) {
	var opts Options
	if _, err := toml.DecodeFile(path, &opts); err != nil {
		return Options{}, fmt.Errorf("failed to load options from %s: %w", path, err)
	}
	return opts, nil
}

func (o Options) withDefaults() Options {
	if o.DialTimeout.Duration <= 0 {
		o.DialTimeout.Duration = DefaultDialTimeout
	}
	if o.Logger == nil {
		l := logrus.New()
		if o.LogLevel != "" {
			if level, err := logrus.ParseLevel(o.LogLevel); err == nil {
				l.SetLevel(level)
			}
		}
		o.Logger = logrus.NewEntry(l)
	}
	return o
}
