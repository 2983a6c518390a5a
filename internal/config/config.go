// Package config loads the daemon's single typed configuration struct
// from layered sources: built-in defaults, an optional TOML file,
// LUASYNC_-prefixed environment variables, and bound CLI flags, in
// that increasing order of precedence. No other package reads the
// environment or flags directly.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is decoded once at startup and passed down to every
// component by value or pointer.
type Config struct {
	Port                   int           `mapstructure:"port" toml:"port"`
	SyncDir                string        `mapstructure:"syncDir" toml:"syncDir"`
	SourcemapPath          string        `mapstructure:"sourcemapPath" toml:"sourcemapPath"`
	ScriptExtension        string        `mapstructure:"scriptExtension" toml:"scriptExtension"`
	ExcludedServices       []string      `mapstructure:"excludedServices" toml:"excludedServices"`
	DeleteOrphansOnConnect bool          `mapstructure:"deleteOrphansOnConnect" toml:"deleteOrphansOnConnect"`
	FileWatchDebounce      time.Duration `mapstructure:"fileWatchDebounce" toml:"-"`
	Debug                  bool          `mapstructure:"debug" toml:"debug"`
	LogFile                string        `mapstructure:"logFile" toml:"logFile"`
	LogMaxSizeMB           int           `mapstructure:"logMaxSizeMB" toml:"logMaxSizeMB"`
}

// defaultConfigDoc mirrors setDefaults, but as the literal document
// WriteDefault emits: fileWatchDebounce is expressed in milliseconds
// on disk, not as a time.Duration.
type defaultConfigDoc struct {
	Port                   int      `toml:"port"`
	SyncDir                string   `toml:"syncDir"`
	SourcemapPath          string   `toml:"sourcemapPath"`
	ScriptExtension        string   `toml:"scriptExtension"`
	ExcludedServices       []string `toml:"excludedServices"`
	DeleteOrphansOnConnect bool     `toml:"deleteOrphansOnConnect"`
	FileWatchDebounceMS    int      `toml:"fileWatchDebounce"`
	Debug                  bool     `toml:"debug"`
	LogFile                string   `toml:"logFile"`
	LogMaxSizeMB           int      `toml:"logMaxSizeMB"`
}

// WriteDefault creates a new TOML config file at path populated with
// the built-in defaults, for a user to edit by hand. It refuses to
// overwrite an existing file.
func WriteDefault(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("config: creating %s: %w", path, err)
	}
	defer f.Close()

	doc := defaultConfigDoc{
		Port:                8080,
		SyncDir:             "./sync",
		SourcemapPath:       "./sourcemap.json",
		ScriptExtension:     ".luau",
		ExcludedServices:    []string{},
		FileWatchDebounceMS: 100,
		LogMaxSizeMB:        50,
	}
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		return fmt.Errorf("config: encoding %s: %w", path, err)
	}
	return nil
}

// setDefaults mirrors SPEC_FULL.md §4.9's knob list.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("syncDir", "./sync")
	v.SetDefault("sourcemapPath", "./sourcemap.json")
	v.SetDefault("scriptExtension", ".luau")
	v.SetDefault("excludedServices", []string{})
	v.SetDefault("deleteOrphansOnConnect", false)
	v.SetDefault("fileWatchDebounce", 100)
	v.SetDefault("debug", false)
	v.SetDefault("logFile", "")
	v.SetDefault("logMaxSizeMB", 50)
}

// Load builds a Config from defaults, the TOML file at configPath (if
// it exists), LUASYNC_-prefixed environment variables, and flags
// already bound onto fs. configPath may be empty, in which case
// ".luasync.toml" in the working directory is tried and silently
// skipped if absent.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(".luasync")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("LUASYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flags use CLI-conventional dashed names (--sync-dir) while viper
	// keys use the config file's camelCase (syncDir); bind explicitly
	// rather than relying on BindPFlags' exact-name matching.
	flagToKey := map[string]string{
		"port":     "port",
		"sync-dir": "syncDir",
		"debug":    "debug",
	}
	if fs != nil {
		for flagName, key := range flagToKey {
			if flag := fs.Lookup(flagName); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("config: binding flag %s: %w", flagName, err)
				}
			}
		}
	}

	// fileWatchDebounce is expressed in config/env/flags as plain
	// milliseconds; convert once here so the rest of the daemon deals
	// only in time.Duration.
	debounceMS := v.GetInt64("fileWatchDebounce")

	cfg := &Config{
		Port:                   v.GetInt("port"),
		SyncDir:                v.GetString("syncDir"),
		SourcemapPath:          v.GetString("sourcemapPath"),
		ScriptExtension:        v.GetString("scriptExtension"),
		ExcludedServices:       v.GetStringSlice("excludedServices"),
		DeleteOrphansOnConnect: v.GetBool("deleteOrphansOnConnect"),
		FileWatchDebounce:      time.Duration(debounceMS) * time.Millisecond,
		Debug:                  v.GetBool("debug"),
		LogFile:                v.GetString("logFile"),
		LogMaxSizeMB:           v.GetInt("logMaxSizeMB"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects a handful of combinations that would otherwise
// surface as confusing failures deeper in the daemon.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.ScriptExtension != ".lua" && c.ScriptExtension != ".luau" {
		return fmt.Errorf("config: scriptExtension %q must be .lua or .luau", c.ScriptExtension)
	}
	if c.SyncDir == "" {
		return fmt.Errorf("config: syncDir must not be empty")
	}
	return nil
}
