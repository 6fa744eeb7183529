package secret

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/honesteats/usermigrate/kit/platform/errors"
)

var _ Provider = (*VaultProvider)(nil)

// DefaultVaultPath is the KV v2 path of an environment's secrets. {env} is
// replaced with the environment name.
const DefaultVaultPath = "secret/data/rork-honesteats/{env}"

// Keys of the store entries in the vault secret.
const (
	vaultBackendKey = "users_store_backend"
	vaultPathKey    = "users_store_path"
	vaultDSNKey     = "users_store_dsn"
)

// VaultProvider reads store credentials from a vault KV v2 secret.
type VaultProvider struct {
	Client *api.Client
	path   string
}

// VaultConfig may setup the vault client configuration. If any field is a zero
// value, it will be ignored and the default used.
type VaultConfig struct {
	Address       string
	ClientTimeout time.Duration
	MaxRetries    int
	Token         string
	// Path is the secret path template, DefaultVaultPath when empty.
	Path string
	TLSConfig
}

// TLSConfig is the configuration for TLS.
type TLSConfig struct {
	CACert             string
	CAPath             string
	ClientCert         string
	ClientKey          string
	InsecureSkipVerify bool
	TLSServerName      string
}

func (c VaultConfig) assign(apiCFG *api.Config) error {
	if c.Address != "" {
		apiCFG.Address = c.Address
	}

	if c.ClientTimeout > 0 {
		apiCFG.Timeout = c.ClientTimeout
	}

	if c.MaxRetries > 0 {
		apiCFG.MaxRetries = c.MaxRetries
	}

	if c.TLSServerName != "" {
		err := apiCFG.ConfigureTLS(&api.TLSConfig{
			CACert:        c.CACert,
			CAPath:        c.CAPath,
			ClientCert:    c.ClientCert,
			ClientKey:     c.ClientKey,
			TLSServerName: c.TLSServerName,
			Insecure:      c.InsecureSkipVerify,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// NewVaultProvider creates a VaultProvider. Unset fields of config fall back
// to the standard vault environment variables.
// https://www.vaultproject.io/docs/commands/index.html#environment-variables
func NewVaultProvider(config VaultConfig) (*VaultProvider, error) {
	cfg := api.DefaultConfig()
	if cfg.Error != nil {
		return nil, cfg.Error
	}

	if err := config.assign(cfg); err != nil {
		return nil, err
	}

	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	if config.Token != "" {
		c.SetToken(config.Token)
	}

	path := config.Path
	if path == "" {
		path = DefaultVaultPath
	}

	return &VaultProvider{
		Client: c,
		path:   path,
	}, nil
}

// Path returns the secret path of environment.
func (p *VaultProvider) Path(environment string) string {
	return strings.ReplaceAll(p.path, "{env}", environment)
}

// StoreCredentials implements Provider.
func (p *VaultProvider) StoreCredentials(_ context.Context, environment string) (StoreCredentials, error) {
	const op = "secret.VaultProvider"

	path := p.Path(environment)
	sec, err := p.Client.Logical().Read(path)
	if err != nil {
		return StoreCredentials{}, &errors.Error{
			Code: errors.EUnavailable,
			Op:   op,
			Msg:  fmt.Sprintf("read %s", path),
			Err:  err,
		}
	}
	if sec == nil {
		return StoreCredentials{}, &errors.Error{
			Code: errors.ENotFound,
			Op:   op,
			Msg:  fmt.Sprintf("no secret at %s", path),
		}
	}

	data, ok := sec.Data["data"].(map[string]interface{})
	if !ok {
		return StoreCredentials{}, &errors.Error{
			Code: errors.EInvalid,
			Op:   op,
			Msg:  "value found in secret data is not map[string]interface{}",
		}
	}

	str := func(k string) string {
		v, _ := data[k].(string)
		return v
	}
	creds := StoreCredentials{
		Backend: str(vaultBackendKey),
		Path:    str(vaultPathKey),
		DSN:     str(vaultDSNKey),
	}
	if err := creds.Validate(); err != nil {
		return StoreCredentials{}, err
	}
	return creds, nil
}
