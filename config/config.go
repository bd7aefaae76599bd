// Package config reads the user configuration file.
//
// The file is INI formatted and looked up in two places, the first existing
// one wins:
//
//	<prefix>/share/visa/.visarc   (installation wide, prefix from $VISA_PREFIX)
//	~/.visarc                     (per user)
//
// Recognized keys:
//
//	[Paths]
//	visa library = /opt/vendor/lib64/libvisa.so
//
//	[Backend]
//	default = ivi
//
// A missing file, section or key is not an error: the value is simply
// unset and the reason is logged at debug level.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"gopkg.in/ini.v1"
)

const (
	// FileName is the configuration file name.
	FileName = ".visarc"
	// DefaultPrefix is the installation prefix used when neither Options
	// nor PrefixEnv give one.
	DefaultPrefix = "/usr/local"
	// PrefixEnv overrides the installation prefix.
	PrefixEnv = "VISA_PREFIX"

	sectionPaths   = "Paths"
	keyLibrary     = "visa library"
	sectionBackend = "Backend"
	keyDefault     = "default"
)

// ErrInvalidFile is returned when a configuration file cannot be parsed.
var ErrInvalidFile = errors.New("invalid configuration file")

// Options controls where configuration files are searched.
type Options struct {
	// Prefix is the installation prefix. Empty means $VISA_PREFIX, then
	// DefaultPrefix.
	Prefix string
	// Home is the user home directory. Empty means os.UserHomeDir().
	Home string
	// Logger receives debug messages. Nil discards them.
	Logger *log.Logger
}

func (o Options) logger() *log.Logger {
	if o.Logger == nil {
		return log.New(io.Discard)
	}
	return o.Logger
}

// Config holds the values read from the configuration file.
type Config struct {
	// Source is the file the values were read from, empty if none exists.
	Source string
	// LibraryPath is the user selected VISA shared library.
	LibraryPath string
	// DefaultBackend is the backend used when none is requested.
	DefaultBackend string
}

// Files returns the candidate configuration files in lookup order.
func Files(opts Options) []string {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = os.Getenv(PrefixEnv)
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	files := []string{filepath.Join(prefix, "share", "visa", FileName)}

	home := opts.Home
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	if home != "" {
		files = append(files, filepath.Join(home, FileName))
	}
	return files
}

// Find returns the first existing configuration file, or "".
func Find(opts Options) string {
	for _, f := range Files(opts) {
		if info, err := os.Stat(f); err == nil && !info.IsDir() {
			return f
		}
	}
	return ""
}

// Load reads the first existing configuration file.
func Load(opts Options) (*Config, error) {
	logger := opts.logger()

	path := Find(opts)
	if path == "" {
		logger.Debug("no user defined configuration file")
		return &Config{}, nil
	}
	logger.Debug("reading user configuration", "path", path)

	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: false}, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}

	cfg := &Config{Source: path}
	cfg.LibraryPath = lookup(file, sectionPaths, keyLibrary, logger)
	cfg.DefaultBackend = lookup(file, sectionBackend, keyDefault, logger)
	return cfg, nil
}

func lookup(file *ini.File, section, key string, logger *log.Logger) string {
	sec, err := file.GetSection(section)
	if err != nil {
		logger.Debug("missing section or option in configuration file", "section", section, "key", key)
		return ""
	}
	k, err := sec.GetKey(key)
	if err != nil {
		logger.Debug("missing section or option in configuration file", "section", section, "key", key)
		return ""
	}
	return k.String()
}

// ReadUserLibraryPath returns the VISA library path from the user
// configuration, or "" when it is not configured or the file is invalid.
func ReadUserLibraryPath(opts Options) string {
	cfg, err := Load(opts)
	if err != nil {
		opts.logger().Debug("ignoring configuration file", "err", err)
		return ""
	}
	return cfg.LibraryPath
}
