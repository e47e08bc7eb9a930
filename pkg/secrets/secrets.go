package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrSecretNotFound      = errors.New("secret not found")
)

type Provider interface {
	Name() string
	GetSecret(ctx context.Context, key string) (string, error)
}

// Loader resolves secrets from the first provider that has them. With
// requirePrimary set, the environment is never consulted.
type Loader struct {
	providers      []Provider
	requirePrimary bool
}

func NewLoader(ctx context.Context, region string) (*Loader, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var providers []Provider
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			providers = append(providers, vp)
		}
	}
	if region != "" {
		if ap, err := newAWSProvider(ctx, region); err == nil {
			providers = append(providers, ap)
		}
	}
	if len(providers) == 0 && requirePrimary {
		return nil, fmt.Errorf("SECRETS_REQUIRE_PRIMARY=true but no provider available (checked Vault, AWS Secrets Manager)")
	}
	if !requirePrimary {
		providers = append(providers, envProvider{})
	}
	return &Loader{providers: providers, requirePrimary: requirePrimary}, nil
}

func NewLoaderWith(providers ...Provider) *Loader {
	return &Loader{providers: providers}
}

func (l *Loader) Providers() []string {
	names := make([]string, len(l.providers))
	for i, p := range l.providers {
		names[i] = p.Name()
	}
	return names
}

func (l *Loader) GetSecret(ctx context.Context, key string) (string, error) {
	if len(l.providers) == 0 {
		return "", ErrProviderUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var lastErr error
	for _, p := range l.providers {
		val, err := p.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = ErrSecretNotFound
		}
		lastErr = fmt.Errorf("%s: %w", p.Name(), err)
	}
	return "", fmt.Errorf("get secret %s: %w", key, lastErr)
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/clipsync"),
	}, nil
}

func (v *vaultProvider) Name() string { return "vault" }

// GetSecret reads a KV v2 entry whose payload is {"value": "..."}.
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", ErrSecretNotFound
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type secretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type awsProvider struct {
	client secretsManagerAPI
	prefix string
}

func newAWSProvider(ctx context.Context, region string) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: getEnvOrDefault("SECRETS_MANAGER_PREFIX", "clipsync/"),
	}, nil
}

func (a *awsProvider) Name() string { return "secretsmanager" }

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct{}

func (envProvider) Name() string { return "env" }

func (envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	v := os.Getenv(key)
	if v == "" {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
