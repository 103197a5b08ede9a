package domain

// =============================================================================
// Core Configuration
// =============================================================================

// Config is the application configuration (agentdesk.json / agentdesk.yaml).
type Config struct {
	Gateway   GatewayConfig             `json:"gateway" yaml:"gateway"`
	Store     StoreConfig               `json:"store" yaml:"store"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Keys      KeyPolicyConfig           `json:"keys" yaml:"keys"`
	Sweeper   SweeperConfig             `json:"sweeper" yaml:"sweeper"`
	Infra     InfraConfig               `json:"infra" yaml:"infra"`
}

type GatewayConfig struct {
	Port             int        `json:"port" yaml:"port"`
	Auth             AuthConfig `json:"auth" yaml:"auth"`
	QueriesPerMinute int        `json:"queriesPerMinute" yaml:"queriesPerMinute"` // per websocket connection; 0 = unlimited
}

type AuthConfig struct {
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"` // When set, gateway requires Authorization: Bearer <authToken>
}

// Store drivers.
const (
	StoreDriverFile      = "file"
	StoreDriverEncrypted = "encrypted"
	StoreDriverSQLite    = "sqlite"
	StoreDriverLibSQL    = "libsql"
)

// StoreConfig selects the durable configuration store backing the key manager.
type StoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`               // "file" | "encrypted" | "sqlite" | "libsql"
	Path   string `json:"path,omitempty" yaml:"path,omitempty"` // file, encrypted, sqlite
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`   // libsql (libsql://..., https://...)
}

// Provider kinds.
const (
	ProviderKindGemini = "gemini"
	ProviderKindOpenAI = "openai"
	ProviderKindLocal  = "local"
)

// ProviderConfig describes one AI provider namespace. APIKeys and
// ActiveKeyIndex seed the key pool; the durable store wins once it holds keys.
type ProviderConfig struct {
	Kind           string   `json:"kind" yaml:"kind"` // "gemini" | "openai" | "local"
	Model          string   `json:"model" yaml:"model"`
	BaseURL        string   `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	AuthMode       string   `json:"authMode,omitempty" yaml:"authMode,omitempty"`
	APIKeys        []string `json:"apiKeys,omitempty" yaml:"apiKeys,omitempty"`
	ActiveKeyIndex *int     `json:"activeKeyIndex,omitempty" yaml:"activeKeyIndex,omitempty"`
}

// KeyPolicyConfig controls pool size and rate-limit cooldown.
type KeyPolicyConfig struct {
	MaxPoolSize           int `json:"maxPoolSize" yaml:"maxPoolSize"`                     // default 5
	CooldownBaseSeconds   int `json:"cooldownBaseSeconds" yaml:"cooldownBaseSeconds"`     // default 60
	CooldownCapMultiplier int `json:"cooldownCapMultiplier" yaml:"cooldownCapMultiplier"` // default 5
}

type SweeperConfig struct {
	CronExpr string `json:"cronExpr" yaml:"cronExpr"` // e.g. "@every 30s"; empty disables the sweeper
}

type InfraConfig struct {
	LogFormat     string `json:"logFormat" yaml:"logFormat"` // "json" | "text"
	LogLevel      string `json:"logLevel" yaml:"logLevel"`
	LogFile       string `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	LogMaxSizeMB  int    `json:"logMaxSizeMB,omitempty" yaml:"logMaxSizeMB,omitempty"`
	LogMaxBackups int    `json:"logMaxBackups,omitempty" yaml:"logMaxBackups,omitempty"`
}
