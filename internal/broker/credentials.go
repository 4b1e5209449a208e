package broker

import (
	"os"
	"strings"

	"tiger-webhook/internal/bridgeerr"
)

// CredentialStore resolves each account's broker_credentials_ref (from
// config) into the bearer token sent on every REST call. The bridge never
// stores credential material in its own config file; refs like
// "env:TIGER_ACCOUNT_PRIMARY" point at the process environment instead.
type CredentialStore struct {
	tokens map[string]string // accountID -> resolved bearer token
}

// NewCredentialStore resolves refs for the given account names against the
// process environment.
func NewCredentialStore(refs map[string]string) (*CredentialStore, error) {
	tokens := make(map[string]string, len(refs))
	for account, ref := range refs {
		token, err := resolveRef(ref)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.Config, "NewCredentialStore", "resolve credentials for "+account, err)
		}
		tokens[account] = token
	}
	return &CredentialStore{tokens: tokens}, nil
}

func resolveRef(ref string) (string, error) {
	const envPrefix = "env:"
	if !strings.HasPrefix(ref, envPrefix) {
		return "", bridgeerr.New(bridgeerr.Config, "resolveRef", "unsupported credential ref scheme: "+ref)
	}
	name := strings.TrimPrefix(ref, envPrefix)
	val := os.Getenv(name)
	if val == "" {
		return "", bridgeerr.New(bridgeerr.Config, "resolveRef", "environment variable "+name+" is unset")
	}
	return val, nil
}

// Token returns the resolved bearer token for accountID.
func (s *CredentialStore) Token(accountID string) (string, error) {
	tok, ok := s.tokens[accountID]
	if !ok {
		return "", bridgeerr.New(bridgeerr.Config, "CredentialStore.Token", "no credentials configured for account "+accountID)
	}
	return tok, nil
}
