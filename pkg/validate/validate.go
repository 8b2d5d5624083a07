// Package validate provides the primitive input sanitizers shared by the
// rest of the delegation engine: identifier syntax, HTTPS URL shape, and
// the signing-algorithm allowlist.
package validate

import (
	"errors"
	"net/url"
	"regexp"
)

// ErrEmptyIdentifier is returned by Identifier for an empty string.
var ErrEmptyIdentifier = errors.New("identifier must not be empty")

// ErrInvalidIdentifier is returned by Identifier for a malformed name.
var ErrInvalidIdentifier = errors.New("identifier contains invalid characters")

// ErrInvalidURL is returned by URLHTTPS for a malformed or non-HTTPS URL.
var ErrInvalidURL = errors.New("url must be an absolute https url")

// ErrUnsupportedAlgorithm is returned by Algorithm for anything outside the
// supported signing-algorithm allowlist.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

var identifierPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.:-]{0,127}$`)

// supportedAlgorithms is the closed set of JWT signing algorithms the engine
// will ever trust.
var supportedAlgorithms = map[string]bool{
	"RS256": true,
	"ES256": true,
}

// Identifier validates a logical name used for IdP names, module names,
// session keys, and similar engine-internal identifiers.
func Identifier(name string) error {
	if name == "" {
		return ErrEmptyIdentifier
	}
	if !identifierPattern.MatchString(name) {
		return ErrInvalidIdentifier
	}
	return nil
}

// URLHTTPS validates that raw is an absolute URL using the https scheme.
// Localhost and 127.0.0.1 are permitted over plain http to support local
// development IdPs.
func URLHTTPS(raw string) error {
	if raw == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if u.Scheme == "https" {
		return nil
	}
	if u.Scheme == "http" && isLocalhost(u.Hostname()) {
		return nil
	}
	return ErrInvalidURL
}

func isLocalhost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Algorithm validates that alg is one of the engine's supported JWT signing
// algorithms (RS256, ES256). "none" and anything else is rejected.
func Algorithm(alg string) error {
	if !supportedAlgorithms[alg] {
		return ErrUnsupportedAlgorithm
	}
	return nil
}

// SupportedAlgorithms returns the closed allowlist, for configuration
// validation that needs to report the valid set.
func SupportedAlgorithms() []string {
	return []string{"RS256", "ES256"}
}
