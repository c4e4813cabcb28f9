package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// CredentialSource supplies the provider API key. Implementations may fetch
// from a secret store; the key is resolved on every call so rotation applies
// without a restart.
type CredentialSource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticCredentials returns a fixed key.
type StaticCredentials string

func (s StaticCredentials) APIKey(context.Context) (string, error) {
	if strings.TrimSpace(string(s)) == "" {
		return "", fmt.Errorf("provider api key is empty")
	}
	return string(s), nil
}

// EnvCredentials reads the key from an environment variable on each call.
type EnvCredentials struct {
	Var string
}

func (e EnvCredentials) APIKey(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(e.Var))
	if v == "" {
		return "", fmt.Errorf("%s is not set", e.Var)
	}
	return v, nil
}
