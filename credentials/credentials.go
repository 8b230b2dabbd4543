// Package credentials holds the optional bearer token this library sends
// to the release server. Most botifactory deployments serve releases
// unauthenticated; this package exists for the ones that don't.
package credentials

import (
	_ "embed"
	"strings"
)

var (
	//go:embed api_token.text
	apiToken string
)

// APIToken returns the contents of api_token.text, trimmed. An empty
// string means the release server requires no authentication.
//
// Deprecated: embedding a token in the binary is a convenience for small,
// trusted deployments only. Anything internet-facing should inject the
// token at provisioning time instead of committing it here.
func APIToken() string {
	return strings.TrimSpace(apiToken)
}
