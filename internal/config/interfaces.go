package config

import "context"

// SecretProvider resolves secret values by path. SSMProvider serves deployed
// environments; EnvVarProvider serves local runs and tests.
type SecretProvider interface {
	// GetParametersBatch returns the values of the keys it could resolve.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
