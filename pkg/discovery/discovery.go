// Package discovery produces the two pieces of data the transport serves
// but the engine supplies: an RFC 9728 OAuth Protected Resource Metadata
// document advertising the trusted issuers, and a WWW-Authenticate header
// value for 401 responses.
package discovery

import (
	"fmt"
	"strings"

	"github.com/oboauth/delegation-engine/pkg/idp"
)

// ProtectedResourceMetadata is the RFC 9728 document shape.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// BuildMetadata advertises every distinct issuer trusted for the reserved
// requestor-jwt context, for the resource identified by resourceURL.
func BuildMetadata(resourceURL string, trust *idp.TrustList) ProtectedResourceMetadata {
	seen := make(map[string]struct{})
	var issuers []string
	for _, cfg := range trust.All() {
		if cfg.Name != idp.RequestorJWTName {
			continue
		}
		if _, ok := seen[cfg.Issuer]; ok {
			continue
		}
		seen[cfg.Issuer] = struct{}{}
		issuers = append(issuers, cfg.Issuer)
	}
	return ProtectedResourceMetadata{
		Resource:               resourceURL,
		AuthorizationServers:   issuers,
		BearerMethodsSupported: []string{"header"},
	}
}

// WWWAuthenticateHeader builds a Bearer challenge for a 401 response.
// errorCode is one of the short RFC 6750 error tokens (invalid_token,
// insufficient_scope); description must be a fixed, generic phrase. The
// full validation detail stays in the audit entry.
func WWWAuthenticateHeader(realm, errorCode, description, resourceMetadataURL string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(`Bearer realm="%s"`, realm))
	if errorCode != "" {
		b.WriteString(fmt.Sprintf(`, error="%s"`, errorCode))
	}
	if description != "" {
		b.WriteString(fmt.Sprintf(`, error_description="%s"`, description))
	}
	if resourceMetadataURL != "" {
		b.WriteString(fmt.Sprintf(`, resource_metadata="%s"`, resourceMetadataURL))
	}
	return b.String()
}
