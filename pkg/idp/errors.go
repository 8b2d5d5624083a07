package idp

import "errors"

// Errors returned by TrustList.Select.
var (
	ErrUnknownIdP   = errors.New("no trusted idp config matches issuer and audience")
	ErrAmbiguousIdP = errors.New("multiple trusted idp configs match issuer and audience")
)
