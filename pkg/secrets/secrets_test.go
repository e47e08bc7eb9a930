package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type staticProvider struct {
	name   string
	values map[string]string
	err    error
}

func (s staticProvider) Name() string { return s.name }
func (s staticProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.values[key], nil
}

func TestLoaderFallsThrough(t *testing.T) {
	l := NewLoaderWith(
		staticProvider{name: "down", err: errors.New("connection refused")},
		staticProvider{name: "empty", values: map[string]string{}},
		staticProvider{name: "ok", values: map[string]string{"JWT_SIGNING_KEY": "from-ok"}},
	)
	got, err := l.GetSecret(context.Background(), "JWT_SIGNING_KEY")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got != "from-ok" {
		t.Errorf("got %q, want from-ok", got)
	}
}

func TestLoaderNotFound(t *testing.T) {
	l := NewLoaderWith(staticProvider{name: "empty", values: map[string]string{}})
	if _, err := l.GetSecret(context.Background(), "MISSING"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("expected ErrSecretNotFound, got %v", err)
	}
	if _, err := NewLoaderWith().GetSecret(context.Background(), "X"); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestNewLoaderEnvOnly(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("SECRETS_REQUIRE_PRIMARY", "")
	t.Setenv("CLIPSYNC_TEST_SECRET", "hunter2hunter2")
	l, err := NewLoader(context.Background(), "")
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	if names := l.Providers(); len(names) != 1 || names[0] != "env" {
		t.Fatalf("providers = %v, want [env]", names)
	}
	got, err := l.GetSecret(context.Background(), "CLIPSYNC_TEST_SECRET")
	if err != nil || got != "hunter2hunter2" {
		t.Errorf("GetSecret = %q, %v", got, err)
	}
}

func TestNewLoaderRequirePrimary(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("SECRETS_REQUIRE_PRIMARY", "true")
	if _, err := NewLoader(context.Background(), ""); err == nil {
		t.Error("expected error when no primary provider is available")
	}
}

type fakeSecretsManager struct {
	gotID string
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.gotID = *in.SecretId
	v := "sm-value"
	return &secretsmanager.GetSecretValueOutput{SecretString: &v}, nil
}

func TestAWSProviderPrefix(t *testing.T) {
	sm := &fakeSecretsManager{}
	p := &awsProvider{client: sm, prefix: "clipsync/"}
	got, err := p.GetSecret(context.Background(), "JWT_SIGNING_KEY")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if got != "sm-value" || sm.gotID != "clipsync/JWT_SIGNING_KEY" {
		t.Errorf("got %q for id %q", got, sm.gotID)
	}
}

type fakeKMS struct {
	md  *types.KeyMetadata
	err error
}

func (f fakeKMS) DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &kms.DescribeKeyOutput{KeyMetadata: f.md}, nil
}

func TestVerifyKMSKey(t *testing.T) {
	tests := []struct {
		name    string
		client  fakeKMS
		wantErr bool
	}{
		{"enabled", fakeKMS{md: &types.KeyMetadata{Enabled: true, KeyState: types.KeyStateEnabled, KeyUsage: types.KeyUsageTypeEncryptDecrypt, KeySpec: types.KeySpecSymmetricDefault}}, false},
		{"disabled", fakeKMS{md: &types.KeyMetadata{Enabled: false, KeyState: types.KeyStateDisabled, KeyUsage: types.KeyUsageTypeEncryptDecrypt}}, true},
		{"pending deletion", fakeKMS{md: &types.KeyMetadata{Enabled: true, KeyState: types.KeyStatePendingDeletion, KeyUsage: types.KeyUsageTypeEncryptDecrypt}}, true},
		{"signing key", fakeKMS{md: &types.KeyMetadata{Enabled: true, KeyState: types.KeyStateEnabled, KeyUsage: types.KeyUsageTypeSignVerify}}, true},
		{"asymmetric", fakeKMS{md: &types.KeyMetadata{Enabled: true, KeyState: types.KeyStateEnabled, KeyUsage: types.KeyUsageTypeEncryptDecrypt, KeySpec: types.KeySpecRsa2048}}, true},
		{"describe fails", fakeKMS{err: errors.New("AccessDenied")}, true},
		{"no metadata", fakeKMS{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyKMSKey(context.Background(), tt.client, "alias/clipsync")
			if (err != nil) != tt.wantErr {
				t.Errorf("VerifyKMSKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
