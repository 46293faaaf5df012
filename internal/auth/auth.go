// Package auth verifies signaling socket credentials.
//
// AUTH_MODE=none accepts every connection; AUTH_MODE=api_key requires the key
// either in the `apiKey` query parameter at upgrade time or in the first
// `auth` frame sent on the socket.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/voxhall/sfu-signaling/internal/config"
)

type Verifier interface {
	Verify(credential string) error
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return AllowAll{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// AllowAll accepts any credential, including none.
type AllowAll struct{}

func (AllowAll) Verify(string) error { return nil }

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromQuery extracts the credential from upgrade-request query
// parameters. ErrMissingCredentials means the client may still authenticate
// with an auth frame before the auth timeout fires.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		if apiKey := q.Get("apiKey"); apiKey != "" {
			return apiKey, nil
		}
		return "", ErrMissingCredentials
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
}
