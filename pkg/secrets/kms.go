package secrets

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

type KeyDescriber interface {
	DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// VerifyKMSKey fails unless keyID names an enabled symmetric
// encrypt/decrypt key, the only kind S3 accepts for SSE-KMS.
func VerifyKMSKey(ctx context.Context, client KeyDescriber, keyID string) error {
	out, err := client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: &keyID})
	if err != nil {
		return fmt.Errorf("describe kms key %s: %w", keyID, err)
	}
	md := out.KeyMetadata
	if md == nil {
		return fmt.Errorf("kms key %s: no metadata returned", keyID)
	}
	if !md.Enabled || md.KeyState != types.KeyStateEnabled {
		return fmt.Errorf("kms key %s is not enabled (state %s)", keyID, md.KeyState)
	}
	if md.KeyUsage != types.KeyUsageTypeEncryptDecrypt {
		return fmt.Errorf("kms key %s has usage %s, want ENCRYPT_DECRYPT", keyID, md.KeyUsage)
	}
	if md.KeySpec != "" && md.KeySpec != types.KeySpecSymmetricDefault {
		return fmt.Errorf("kms key %s is %s, want a symmetric key", keyID, md.KeySpec)
	}
	return nil
}
