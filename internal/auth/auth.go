// Package auth maps transport credentials to a caller identity according
// to the policy's configured authentication mode.
package auth

import (
	"strings"

	"github.com/toolguard/toolguard/internal/guarderr"
	"github.com/toolguard/toolguard/internal/policyfile"
)

// Authenticator resolves an identity string from request headers.
type Authenticator struct {
	mode   policyfile.AuthMode
	keys   map[string]struct{}
	tokens map[string]struct{}
}

// New builds an Authenticator from the loaded policy.
func New(p *policyfile.Policy) *Authenticator {
	return &Authenticator{
		mode:   p.AuthMode,
		keys:   p.AuthKeys,
		tokens: p.AuthTokens,
	}
}

// Identify extracts an identity from headers, matching header names
// case-insensitively. Returns *guarderr.Unauthorized if the configured
// credentials are missing or invalid.
func (a *Authenticator) Identify(headers map[string]string) (string, error) {
	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}

	switch a.mode {
	case policyfile.AuthNone:
		return "anonymous", nil

	case policyfile.AuthAPIKey:
		key := lower["x-api-key"]
		if key != "" {
			if _, ok := a.keys[key]; ok {
				return key, nil
			}
		}
		return "", guarderr.NewUnauthorized("invalid API key")

	case policyfile.AuthBearer:
		header := lower["authorization"]
		const prefix = "bearer "
		if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
			token := header[len(prefix):]
			if _, ok := a.tokens[token]; ok {
				return token, nil
			}
		}
		return "", guarderr.NewUnauthorized("invalid bearer token")

	default:
		return "", guarderr.NewUnauthorized("unsupported authentication mode")
	}
}
