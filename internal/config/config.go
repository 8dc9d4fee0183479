// Package config loads runtime configuration for review-server via
// viper, grounded on gravity's internal/config package (see DESIGN.md).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "REVIEWCRDT"

	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultLogLevel        = "info"
	defaultStoreKind       = "memory"
	defaultFlushInterval   = 2 * time.Second
	defaultFirestoreColl   = "annotations"
)

// AppConfig captures runtime configuration for review-server.
type AppConfig struct {
	HTTPAddress     string
	LogLevel        string
	StoreKind       string
	FlushInterval   time.Duration
	FirestoreProject string
	FirestoreColl   string
	ReplicaID       string
}

// NewViper returns a viper instance with defaults and env bindings applied.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings on v.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.address", defaultHTTPAddress)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("store.kind", defaultStoreKind)
	v.SetDefault("transport.flush_interval", defaultFlushInterval)
	v.SetDefault("firestore.collection", defaultFirestoreColl)
	v.SetDefault("firestore.project", "")
	v.SetDefault("replica.id", "")
}

// Load parses AppConfig out of v.
func Load(v *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      v.GetString("http.address"),
		LogLevel:         v.GetString("log.level"),
		StoreKind:        v.GetString("store.kind"),
		FlushInterval:    v.GetDuration("transport.flush_interval"),
		FirestoreProject: v.GetString("firestore.project"),
		FirestoreColl:    v.GetString("firestore.collection"),
		ReplicaID:        v.GetString("replica.id"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.StoreKind {
	case "memory", "firestore":
	default:
		return fmt.Errorf("store.kind must be %q or %q, got %q", "memory", "firestore", c.StoreKind)
	}
	if c.StoreKind == "firestore" && strings.TrimSpace(c.FirestoreProject) == "" {
		return fmt.Errorf("firestore.project is required when store.kind is %q", "firestore")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("transport.flush_interval must be positive")
	}
	return nil
}
