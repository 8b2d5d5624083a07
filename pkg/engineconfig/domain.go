package engineconfig

import (
	"fmt"

	"github.com/oboauth/delegation-engine/pkg/audit"
	"github.com/oboauth/delegation-engine/pkg/idp"
)

// TrustedIDPs converts the document's auth.trustedIDPs section into the
// validated idp.Config records the engine is built from. Call this after
// ResolveSecrets; a secret descriptor still present in a string field is
// a configuration error.
func (d *Document) TrustedIDPs() ([]*idp.Config, error) {
	out := make([]*idp.Config, 0, len(d.Auth.TrustedIDPs))
	for i := range d.Auth.TrustedIDPs {
		cfg, err := d.Auth.TrustedIDPs[i].toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// AuditConfig converts the document's auth.audit section.
func (d *Document) AuditConfig() *audit.Config {
	return &audit.Config{
		Enabled:       d.Auth.Audit.Enabled,
		MaxEntries:    d.Auth.Audit.MaxEntries,
		RetentionDays: d.Auth.Audit.RetentionDays,
	}
}

func (doc *IdPDocument) toConfig() (*idp.Config, error) {
	cfg := &idp.Config{
		Name:       doc.Name,
		Issuer:     doc.Issuer,
		Audience:   doc.Audience,
		JWKSURI:    doc.JWKSURI,
		Algorithms: doc.Algorithms,
		ClaimMappings: idp.ClaimMappings{
			UserID:         doc.ClaimMappings["userId"],
			Username:       doc.ClaimMappings["username"],
			LegacyUsername: doc.ClaimMappings["legacyUsername"],
			Roles:          doc.ClaimMappings["roles"],
			Scopes:         doc.ClaimMappings["scopes"],
		},
		RoleMapping: idp.RoleMapping{
			Mapping:             doc.RoleMappings.Mapping,
			Priority:            doc.RoleMappings.Priority,
			DefaultRole:         doc.RoleMappings.DefaultRole,
			RejectUnmappedRoles: doc.RoleMappings.RejectUnmappedRoles,
		},
		ClockTolerance: doc.ClockTolerance,
		MaxTokenAge:    doc.MaxTokenAge,
		RequireNbf:     doc.RequireNbf,
	}

	if doc.TokenExchange != nil {
		clientID, err := resolvedString(doc.TokenExchange.ClientID, doc.Name, "tokenExchange.clientId")
		if err != nil {
			return nil, err
		}
		clientSecret, err := resolvedString(doc.TokenExchange.ClientSecret, doc.Name, "tokenExchange.clientSecret")
		if err != nil {
			return nil, err
		}
		cfg.TokenExchange = &idp.TokenExchangeConfig{
			IdPName:       doc.Name,
			TokenEndpoint: doc.TokenExchange.TokenEndpoint,
			ClientID:      clientID,
			ClientSecret:  clientSecret,
			Audience:      doc.TokenExchange.Audience,
			Scope:         doc.TokenExchange.Scope,
			CacheTTL:      doc.TokenExchange.CacheTTL,
		}
	}

	return cfg, nil
}

// resolvedString asserts a field that may have carried a secret
// descriptor now holds a plain string. The error names the field, never
// its value.
func resolvedString(v any, idpName, field string) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	default:
		return "", &idp.ConfigurationError{
			Reason: fmt.Sprintf("idp %s: %s holds an unresolved value; run secret resolution before building the engine", idpName, field),
		}
	}
}
