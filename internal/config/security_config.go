// config/security_config.go
package config

import "strings"

type SecurityLevel int

const (
	SecurityPublic SecurityLevel = iota // No authentication
	SecurityAccess                      // Access token required
)

// EndpointSecurityConfig maps "METHOD path-template" to the required
// security level. Path templates are the gorilla/mux route templates.
var EndpointSecurityConfig = map[string]SecurityLevel{
	// Health - Public
	"GET /healthz": SecurityPublic,

	// Async receiver verification - Public, the link token is the credential
	"POST /api/v1/verification-links/{token}": SecurityPublic,
	"GET /api/v1/verification-links/{token}":  SecurityPublic,

	// Catalog - Access Protected
	"POST /api/v1/assets":                       SecurityAccess,
	"GET /api/v1/assets":                        SecurityAccess,
	"GET /api/v1/assets/{id}":                   SecurityAccess,
	"GET /api/v1/assets/{id}/accessories":       SecurityAccess,
	"GET /api/v1/assets/{id}/availability":      SecurityAccess,
	"POST /api/v1/kit-templates":                SecurityAccess,
	"POST /api/v1/kit-templates/{id}/instances": SecurityAccess,
	"GET /api/v1/kits/{id}":                     SecurityAccess,
	"GET /api/v1/kits/{id}/availability":        SecurityAccess,
	"GET /api/v1/listings/{id}/availability":    SecurityAccess,

	// Policy - Access Protected
	"GET /api/v1/policy": SecurityAccess,
	"PUT /api/v1/policy": SecurityAccess,

	// Transactions - Access Protected
	"POST /api/v1/transactions":                    SecurityAccess,
	"GET /api/v1/transactions":                     SecurityAccess,
	"GET /api/v1/transactions/{id}":                SecurityAccess,
	"GET /api/v1/transactions/{id}/history":        SecurityAccess,
	"POST /api/v1/transactions/{id}/reserve":       SecurityAccess,
	"POST /api/v1/transactions/{id}/checkout":      SecurityAccess,
	"POST /api/v1/transactions/{id}/checkin":       SecurityAccess,
	"POST /api/v1/transactions/{id}/close":         SecurityAccess,
	"POST /api/v1/transactions/{id}/cancel":        SecurityAccess,
	"POST /api/v1/transactions/{id}/incidents":     SecurityAccess,
	"GET /api/v1/transactions/{id}/settlement":     SecurityAccess,
	"POST /api/v1/transactions/{id}/extensions":    SecurityAccess,
	"GET /api/v1/transactions/{id}/extensions":     SecurityAccess,
	"POST /api/v1/transactions/{id}/sessions":      SecurityAccess,
	"GET /api/v1/transactions/{id}/sessions":       SecurityAccess,
	"POST /api/v1/transactions/{id}/receiver-link": SecurityAccess,

	// Verification sessions - Access Protected
	"GET /api/v1/sessions/{id}":           SecurityAccess,
	"POST /api/v1/sessions/{id}/items":    SecurityAccess,
	"POST /api/v1/sessions/{id}/complete": SecurityAccess,

	// Extensions - Access Protected
	"POST /api/v1/extensions/{id}/approve": SecurityAccess,
	"POST /api/v1/extensions/{id}/deny":    SecurityAccess,
}

// GetSecurityLevel returns the security level for a given route
func GetSecurityLevel(method, pathTemplate string) SecurityLevel {
	if level, exists := EndpointSecurityConfig[strings.ToUpper(method)+" "+pathTemplate]; exists {
		return level
	}
	// Default to highest security for unknown endpoints
	return SecurityAccess
}
