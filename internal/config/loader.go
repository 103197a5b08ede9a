// Package config loads, validates and writes the agentdesk configuration
// file. JSON is the default format; .yaml and .yml files are read and written
// as YAML.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"agentdesk/internal/domain"
)

const (
	// DefaultPath is used when neither --config nor EnvPath is set.
	DefaultPath = "agentdesk.json"
	// EnvPath names the environment variable holding the config path.
	EnvPath = "AGENTDESK_CONFIG"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// marshalIndent, yamlMarshal and writeFile are used by WriteDefault and Save;
// tests may replace them to force errors.
var (
	marshalIndent = json.MarshalIndent
	yamlMarshal   = yaml.Marshal
	writeFile     = os.WriteFile
	getenv        = os.Getenv
)

// ResolvePath returns flagPath when set, else $AGENTDESK_CONFIG, else
// DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Default returns the configuration written by WriteDefault.
func Default() *domain.Config {
	return &domain.Config{
		Gateway: domain.GatewayConfig{Port: 8080, QueriesPerMinute: 30},
		Store:   domain.StoreConfig{Driver: domain.StoreDriverFile, Path: "agentdesk-store.json"},
		Providers: map[string]domain.ProviderConfig{
			"gemini": {Kind: domain.ProviderKindGemini, Model: "gemini-2.5-flash"},
			"local":  {Kind: domain.ProviderKindLocal, Model: "echo", APIKeys: []string{"local-development-key"}},
		},
		Keys: domain.KeyPolicyConfig{
			MaxPoolSize:           5,
			CooldownBaseSeconds:   60,
			CooldownCapMultiplier: 5,
		},
		Sweeper: domain.SweeperConfig{CronExpr: "@every 30s"},
		Infra:   domain.InfraConfig{LogFormat: "text", LogLevel: "info"},
	}
}

// WriteDefault writes Default() to path. Parent directories are not created.
func WriteDefault(path string) error {
	data, err := encode(path, Default())
	if err != nil {
		return err
	}
	return writeFile(path, data, 0600)
}

// Load reads path, fills unset fields with defaults and cleans path fields.
// It does not validate; call Validate on the result.
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	var c domain.Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &c)
	} else {
		err = json.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	ApplyDefaults(&c)
	CleanPaths(&c)
	return &c, nil
}

// ApplyDefaults fills zero-valued policy, store and infra fields.
func ApplyDefaults(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	def := Default()
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = def.Gateway.Port
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Store.Path == "" && cfg.Store.Driver != domain.StoreDriverLibSQL {
		cfg.Store.Path = def.Store.Path
	}
	if cfg.Keys.MaxPoolSize == 0 {
		cfg.Keys.MaxPoolSize = def.Keys.MaxPoolSize
	}
	if cfg.Keys.CooldownBaseSeconds == 0 {
		cfg.Keys.CooldownBaseSeconds = def.Keys.CooldownBaseSeconds
	}
	if cfg.Keys.CooldownCapMultiplier == 0 {
		cfg.Keys.CooldownCapMultiplier = def.Keys.CooldownCapMultiplier
	}
	if cfg.Infra.LogFormat == "" {
		cfg.Infra.LogFormat = def.Infra.LogFormat
	}
	if cfg.Infra.LogLevel == "" {
		cfg.Infra.LogLevel = def.Infra.LogLevel
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]domain.ProviderConfig{}
	}
}

// CleanPaths applies filepath.Clean to all path fields in cfg to prevent path traversal.
func CleanPaths(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	if cfg.Store.Path != "" {
		cfg.Store.Path = filepath.Clean(cfg.Store.Path)
	}
	if cfg.Infra.LogFile != "" {
		cfg.Infra.LogFile = filepath.Clean(cfg.Infra.LogFile)
	}
}

var (
	knownKinds   = map[string]bool{domain.ProviderKindGemini: true, domain.ProviderKindOpenAI: true, domain.ProviderKindLocal: true}
	knownDrivers = map[string]bool{domain.StoreDriverFile: true, domain.StoreDriverEncrypted: true, domain.StoreDriverSQLite: true, domain.StoreDriverLibSQL: true}
	knownLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	knownFormats = map[string]bool{"text": true, "json": true}
)

// maxPoolSize is the hard upper bound on keys.maxPoolSize.
const maxPoolSize = 5

// Validate reports every problem in cfg as one error wrapping ErrInvalid.
func Validate(cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalid)
	}
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		add("gateway.port %d out of range", cfg.Gateway.Port)
	}
	if cfg.Gateway.QueriesPerMinute < 0 {
		add("gateway.queriesPerMinute must be >= 0")
	}
	if !knownDrivers[cfg.Store.Driver] {
		add("store.driver %q unknown", cfg.Store.Driver)
	}
	if cfg.Store.Driver == domain.StoreDriverLibSQL && cfg.Store.URL == "" {
		add("store.url required for libsql")
	}
	if cfg.Store.Driver != domain.StoreDriverLibSQL && knownDrivers[cfg.Store.Driver] && cfg.Store.Path == "" {
		add("store.path required for %s", cfg.Store.Driver)
	}
	if cfg.Keys.MaxPoolSize < 1 || cfg.Keys.MaxPoolSize > maxPoolSize {
		add("keys.maxPoolSize must be 1..%d", maxPoolSize)
	}
	if cfg.Keys.CooldownBaseSeconds <= 0 {
		add("keys.cooldownBaseSeconds must be > 0")
	}
	if cfg.Keys.CooldownCapMultiplier < 1 {
		add("keys.cooldownCapMultiplier must be >= 1")
	}
	for ns, p := range cfg.Providers {
		if strings.TrimSpace(ns) == "" {
			add("provider namespace must not be empty")
		}
		if !knownKinds[p.Kind] {
			add("providers.%s.kind %q unknown", ns, p.Kind)
		}
		if p.AuthMode != "" && p.AuthMode != "api-key" {
			add("providers.%s.authMode %q unsupported", ns, p.AuthMode)
		}
		if p.ActiveKeyIndex != nil && *p.ActiveKeyIndex < 0 {
			add("providers.%s.activeKeyIndex must be >= 0", ns)
		}
	}
	if cfg.Sweeper.CronExpr != "" {
		if _, err := cron.ParseStandard(cfg.Sweeper.CronExpr); err != nil {
			add("sweeper.cronExpr: %v", err)
		}
	}
	if !knownLevels[strings.ToLower(cfg.Infra.LogLevel)] {
		add("infra.logLevel %q unknown", cfg.Infra.LogLevel)
	}
	if !knownFormats[cfg.Infra.LogFormat] {
		add("infra.logFormat %q unknown", cfg.Infra.LogFormat)
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

// Save writes cfg to path in the format its extension implies.
func Save(path string, cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("config save: nil config")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config save mkdir: %w", err)
	}
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("config save marshal: %w", err)
	}
	if err := writeFile(path, data, 0600); err != nil {
		return fmt.Errorf("config save write: %w", err)
	}
	return nil
}

func encode(path string, cfg *domain.Config) ([]byte, error) {
	if isYAML(path) {
		return yamlMarshal(cfg)
	}
	return marshalIndent(cfg, "", "  ")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
