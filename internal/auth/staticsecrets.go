package auth

import "context"

// StaticSecrets resolves access keys against a fixed, config-loaded map
// (spec §4.10's client credentials are operator-provisioned, not
// self-service, so the lookup never touches the C1 store).
type StaticSecrets map[string]string

func (s StaticSecrets) Secret(ctx context.Context, accessKey string) (string, bool, error) {
	secret, ok := s[accessKey]
	return secret, ok, nil
}
