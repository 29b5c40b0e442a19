package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps persistent CLI flags to their config keys.
var flagKeys = map[string]string{
	"mode":            "binarydata.mode",
	"available-modes": "binarydata.availableModes",
	"storage-path":    "binarydata.localStoragePath",
	"persisted-ttl":   "binarydata.persistedTTL",
	"max-concurrency": "binarydata.maxConcurrency",
	"cache":           "binarydata.cache.enabled",
	"datastore-uri":   "datastore.uri",
	"log-format":      "log.format",
	"log-level":       "log.level",
}

// RegisterFlags adds the persistent flags shared by every command.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("config", "", "path to a config file (defaults to config.yaml in /etc/blobkeeper, $HOME/.blobkeeper or .)")
	fs.String("mode", d.BinaryData.Mode, "mode new binary data is stored in")
	fs.String("available-modes", d.BinaryData.AvailableModes, "comma separated list of enabled storage backends")
	fs.String("storage-path", d.BinaryData.LocalStoragePath, "root directory of the filesystem backend")
	fs.Duration("persisted-ttl", d.BinaryData.PersistedTTL, "grace period before marked binary data is reclaimed")
	fs.Int("max-concurrency", d.BinaryData.MaxConcurrency, "maximum concurrent backend calls on bulk operations")
	fs.Bool("cache", d.BinaryData.Cache.Enabled, "put an in-memory LRU cache in front of every backend")
	fs.String("datastore-uri", d.Datastore.URI, "postgres connection string of the execution datastore")
	fs.String("log-format", d.Log.Format, "log format: text or json")
	fs.String("log-level", d.Log.Level, "log level: none, debug, info, warn or error")
}

// BindFlags binds every flag registered by RegisterFlags to its config key
// and points v at an explicit config file when one was given.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			MustBindPFlag(v, key, f)
		}
	}
	if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
		v.SetConfigFile(f.Value.String())
	}
}

// MustBindPFlag binds key to flag and panics if the binding fails.
func MustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

// MustBindEnv binds a config key to explicit environment variable names.
func MustBindEnv(v *viper.Viper, input ...string) {
	if err := v.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}
