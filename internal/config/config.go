// Package config loads scanbridged's on-disk configuration file. It follows
// the INI-plus-go-flags idiom of go/flowctl/main.go (which parses
// "flow.ini" through github.com/jessevdk/go-flags' INI support), adapted to
// the section/key names spec.md §6 specifies verbatim
// (WebSocket.WsPort, Session.TokenExpirationMinutes, ...).
package config

import (
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
	"gopkg.in/yaml.v3"

	"github.com/scanbridge/scanbridged/internal/logging"
)

// WebSocketConfig configures the dual-port gateway and its TLS certificate.
type WebSocketConfig struct {
	WsPort                  int    `long:"ws-port" ini-name:"WsPort" default:"8180" description:"Plaintext WebSocket listen port"`
	WssPort                 int    `long:"wss-port" ini-name:"WssPort" default:"8181" description:"TLS WebSocket listen port"`
	CertificatePath         string `long:"certificate-path" ini-name:"CertificatePath" default:"certificate.pfx" description:"Path to the TLS certificate bundle"`
	CertificatePassword     string `long:"certificate-password" ini-name:"CertificatePassword" default:"" description:"Password protecting the certificate bundle"`
	CertificateValidityDays int    `long:"certificate-validity-days" ini-name:"CertificateValidityDays" default:"825" description:"Validity window in days for a freshly generated certificate"`
	AutoInstallCertificate  bool   `long:"auto-install-certificate" ini-name:"AutoInstallCertificate" default:"true" description:"Install the generated certificate into the OS trust store"`
}

// SessionConfig configures the session store's token lifecycle and capacity.
type SessionConfig struct {
	TokenExpirationMinutes int `long:"token-expiration-minutes" ini-name:"TokenExpirationMinutes" default:"60" description:"Minutes a session token remains valid"`
	MaxConcurrentSessions  int `long:"max-concurrent-sessions" ini-name:"MaxConcurrentSessions" default:"32" description:"Maximum number of live sessions"`
}

// Config is the full daemon configuration, loaded from an INI file plus
// environment/flag overrides.
type Config struct {
	WebSocket WebSocketConfig `group:"WebSocket" namespace:"websocket" ini-namespace:"WebSocket"`
	Session   SessionConfig   `group:"Session" namespace:"session" ini-namespace:"Session"`
	Log       logging.Config  `group:"Log" namespace:"log" ini-namespace:"Log"`

	ConfigPath string `long:"config" short:"c" default:"scanbridge.ini" description:"Path to the configuration file"`
}

// Default returns a Config populated with the documented defaults, as if no
// file and no flags were present. It is the fallback used when the
// configured file is missing, matching C9's "load is tolerant" posture
// generalized to the daemon's own configuration.
func Default() Config {
	var cfg Config
	parser := flags.NewParser(&cfg, flags.IgnoreUnknown)
	_, _ = parser.ParseArgs(nil)
	return cfg
}

// Load parses command-line arguments, then layers in the config file named
// by --config/-c if it exists. A missing file is not an error: defaults
// from struct tags stand. A malformed file is returned as an error, since
// unlike the tiny user-preferences record (C9) a broken daemon config
// should stop startup rather than silently run shrunken.
//
// A .yaml/.yml extension selects the YAML decoder (the idiom
// authn/main.go and sufield-e5s's internal/config/load.go both use for
// their own config files); any other extension, including the documented
// default of scanbridge.ini, is parsed as INI via go-flags.
func Load(args []string) (Config, error) {
	cfg := Default()

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return cfg, err
	}

	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		if isYAMLPath(cfg.ConfigPath) {
			if err := loadYAMLFile(&cfg, cfg.ConfigPath); err != nil {
				return cfg, err
			}
		} else {
			iniParser := flags.NewIniParser(parser)
			if err := iniParser.ParseFile(cfg.ConfigPath); err != nil {
				return cfg, err
			}
		}
	}

	// Re-apply command-line flags so they take precedence over the file,
	// mirroring flowctl's flag-then-ini-then-flag-again layering.
	if _, err := parser.ParseArgs(args); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func isYAMLPath(path string) bool {
	lower := strings.ToLower(path)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// yamlConfig mirrors Config's shape for the YAML alternative format. Zero
// values are treated as "not set" so a partial file only overrides the
// fields it names, the same tolerant-merge posture the INI path gets for
// free from go-flags defaults.
type yamlConfig struct {
	WebSocket struct {
		WsPort                  int    `yaml:"wsPort"`
		WssPort                 int    `yaml:"wssPort"`
		CertificatePath         string `yaml:"certificatePath"`
		CertificatePassword     string `yaml:"certificatePassword"`
		CertificateValidityDays int    `yaml:"certificateValidityDays"`
		AutoInstallCertificate  bool   `yaml:"autoInstallCertificate"`
	} `yaml:"websocket"`
	Session struct {
		TokenExpirationMinutes int `yaml:"tokenExpirationMinutes"`
		MaxConcurrentSessions  int `yaml:"maxConcurrentSessions"`
	} `yaml:"session"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return err
	}

	if y.WebSocket.WsPort != 0 {
		cfg.WebSocket.WsPort = y.WebSocket.WsPort
	}
	if y.WebSocket.WssPort != 0 {
		cfg.WebSocket.WssPort = y.WebSocket.WssPort
	}
	if y.WebSocket.CertificatePath != "" {
		cfg.WebSocket.CertificatePath = y.WebSocket.CertificatePath
	}
	if y.WebSocket.CertificatePassword != "" {
		cfg.WebSocket.CertificatePassword = y.WebSocket.CertificatePassword
	}
	if y.WebSocket.CertificateValidityDays != 0 {
		cfg.WebSocket.CertificateValidityDays = y.WebSocket.CertificateValidityDays
	}
	if y.WebSocket.AutoInstallCertificate {
		cfg.WebSocket.AutoInstallCertificate = true
	}
	if y.Session.TokenExpirationMinutes != 0 {
		cfg.Session.TokenExpirationMinutes = y.Session.TokenExpirationMinutes
	}
	if y.Session.MaxConcurrentSessions != 0 {
		cfg.Session.MaxConcurrentSessions = y.Session.MaxConcurrentSessions
	}
	if y.Log.Level != "" {
		cfg.Log.Level = y.Log.Level
	}
	if y.Log.Format != "" {
		cfg.Log.Format = y.Log.Format
	}
	return nil
}
