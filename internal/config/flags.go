package config

import (
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Flags is the single recognized feature-flag structure. Flags scope
// operational behavior (emails, test shortcuts), never core semantics.
type Flags struct {
	SkipExceptionForTest    bool `mapstructure:"skipExceptionForTest"`
	DisableCSVErrorEmail    bool `mapstructure:"disableCsvErrorEmail"`
	DisableEJVErrorEmail    bool `mapstructure:"disableEjvErrorEmail"`
	DisablePADSuccessEmail  bool `mapstructure:"disablePadSuccessEmail"`
	AllowLegacyRoutingSlips bool `mapstructure:"allowLegacyRoutingSlips"`
}

// FlagsHolder serves the current flag set; the options file may be reloaded
// without restarting workers.
type FlagsHolder struct {
	current atomic.Value // holds Flags
}

// NewFlagsHolder reads the options file (payrecon.yml) with env override.
func NewFlagsHolder() (*FlagsHolder, error) {
	v := viper.New()

	v.SetConfigName("payrecon")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/payrecon")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PAYRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var flags Flags
	if err := v.UnmarshalKey("flags", &flags); err != nil {
		return nil, err
	}

	holder := &FlagsHolder{}
	holder.current.Store(flags)

	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		var updated Flags
		if err := v.UnmarshalKey("flags", &updated); err != nil {
			log.Printf("[flags] reload failed: %v", err)
			return
		}
		holder.current.Store(updated)
	})

	return holder, nil
}

// Get returns the current flag set.
func (h *FlagsHolder) Get() Flags {
	return h.current.Load().(Flags)
}

// StaticFlags wraps a fixed flag set; used by tests.
func StaticFlags(f Flags) *FlagsHolder {
	h := &FlagsHolder{}
	h.current.Store(f)
	return h
}
