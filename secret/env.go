package secret

import (
	"context"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/honesteats/usermigrate/kit/platform/errors"
)

var _ Provider = (*EnvProvider)(nil)

type envCredentials struct {
	Backend string `env:"USERS_STORE_BACKEND" envDefault:"bolt"`
	Path    string `env:"USERS_STORE_PATH"`
	DSN     string `env:"USERS_STORE_DSN"`
}

// EnvProvider reads store credentials from environment variables:
// USERS_STORE_BACKEND, USERS_STORE_PATH and USERS_STORE_DSN. A variable
// suffixed with the upper cased environment name, such as
// USERS_STORE_DSN_STAGING, takes precedence.
type EnvProvider struct {
	environ func() []string
}

// NewEnvProvider returns a provider over the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{environ: os.Environ}
}

// StoreCredentials implements Provider.
func (p *EnvProvider) StoreCredentials(_ context.Context, environment string) (StoreCredentials, error) {
	vars := map[string]string{}
	for _, kv := range p.environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	suffix := "_" + envSuffix(environment)
	overrides := map[string]string{}
	for k, v := range vars {
		if base, ok := strings.CutSuffix(k, suffix); ok && strings.HasPrefix(base, "USERS_STORE_") {
			overrides[base] = v
		}
	}
	for k, v := range overrides {
		vars[k] = v
	}

	var c envCredentials
	if err := env.ParseWithOptions(&c, env.Options{Environment: vars}); err != nil {
		return StoreCredentials{}, &errors.Error{
			Code: errors.EInvalid,
			Op:   "secret.EnvProvider",
			Msg:  "parse env",
			Err:  err,
		}
	}

	creds := StoreCredentials(c)
	if err := creds.Validate(); err != nil {
		return StoreCredentials{}, err
	}
	return creds, nil
}

// envSuffix upper cases environment and replaces anything that cannot appear
// in a variable name.
func envSuffix(environment string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, environment)
}
