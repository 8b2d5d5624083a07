// Package engineconfig holds the engine's typed configuration document
// and decodes it with koanf from YAML, JSON, or TOML, overlaid with
// environment variables. It also owns secret-descriptor resolution:
// ResolveSecrets substitutes every {"$secret": "NAME"} descriptor in a
// decoded map/slice tree from a resolver chain. Load does not call it; in a
// loaded Document only the tokenExchange clientId and clientSecret fields
// can hold a descriptor, and Document.TrustedIDPs rejects one that is
// still unresolved.
package engineconfig

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the environment-variable namespace for config overrides.
const envPrefix = "OBOAUTH_"

// IdPDocument is the raw, pre-secret-resolution shape of one
// auth.trustedIDPs entry. Its string fields hold literal values; a secret
// descriptor is accepted only in the tokenExchange block's clientId and
// clientSecret.
type IdPDocument struct {
	Name           string            `koanf:"name"`
	Issuer         string            `koanf:"issuer"`
	Audience       string            `koanf:"audience"`
	JWKSURI        string            `koanf:"jwksUri"`
	Algorithms     []string          `koanf:"algorithms"`
	ClaimMappings  map[string]string `koanf:"claimMappings"`
	RoleMappings   RoleMappingDoc    `koanf:"roleMappings"`
	ClockTolerance time.Duration     `koanf:"clockTolerance"`
	MaxTokenAge    time.Duration     `koanf:"maxTokenAge"`
	RequireNbf     bool              `koanf:"requireNbf"`
	TokenExchange  *TokenExchangeDoc `koanf:"tokenExchange"`
}

// RoleMappingDoc is the document shape of a per-IdP role mapping.
type RoleMappingDoc struct {
	Mapping             map[string][]string `koanf:"mapping"`
	Priority            []string            `koanf:"priority"`
	DefaultRole         string              `koanf:"defaultRole"`
	RejectUnmappedRoles bool                `koanf:"rejectUnmappedRoles"`
}

// TokenExchangeDoc is the document shape of a tokenExchange block.
// ClientSecret is frequently a secret descriptor.
type TokenExchangeDoc struct {
	TokenEndpoint string        `koanf:"tokenEndpoint"`
	ClientID      any           `koanf:"clientId"`
	ClientSecret  any           `koanf:"clientSecret"`
	Audience      string        `koanf:"audience"`
	Scope         string        `koanf:"scope"`
	CacheTTL      time.Duration `koanf:"cacheTtl"`
}

// AuditDoc is the auth.audit section.
type AuditDoc struct {
	Enabled       bool `koanf:"enabled"`
	MaxEntries    int  `koanf:"maxEntries"`
	RetentionDays int  `koanf:"retentionDays"`
}

// ModuleDoc is one entry of delegation.modules: a free-form bag of fields
// the named module's Initialize accepts, plus its implementation-selected
// type.
type ModuleDoc struct {
	Type   string         `koanf:"type"`
	Fields map[string]any `koanf:",remain"`
}

// Document is the engine's full configuration document. The `mcp`
// top-level section belongs to the transport and is intentionally not
// modeled here; unknown sections are ignored on decode.
type Document struct {
	Auth struct {
		TrustedIDPs []IdPDocument `koanf:"trustedIDPs"`
		Audit       AuditDoc      `koanf:"audit"`
	} `koanf:"auth"`
	Delegation struct {
		Modules map[string]ModuleDoc `koanf:"modules"`
	} `koanf:"delegation"`
}

func defaults() map[string]any {
	return map[string]any{
		"auth.audit.enabled":    true,
		"auth.audit.maxEntries": 10000,
	}
}

// Load reads configPath (YAML, JSON, or TOML, auto-detected by extension),
// overlays OBOAUTH_-prefixed environment variables, and unmarshals into a
// Document. An empty configPath loads defaults and environment only.
func Load(configPath string) (*Document, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("engineconfig: load defaults: %w", err)
	}

	if configPath != "" {
		parser, err := parserFor(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(configPath), parser); err != nil {
			return nil, fmt.Errorf("engineconfig: load %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("engineconfig: load environment: %w", err)
	}

	var doc Document
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("engineconfig: unmarshal: %w", err)
	}
	return &doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("engineconfig: unsupported config format %q", path)
	}
}

// envTransform maps OBOAUTH_AUTH__AUDIT__ENABLED-style names to dotted
// config keys, double underscore nesting.
func envTransform(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}
