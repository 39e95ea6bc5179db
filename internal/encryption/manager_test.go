package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func localKey(t *testing.T) string {
	t.Helper()
	k := make([]byte, 32)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(k)
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := localKey(t)
	em, err := NewEncryptionManager(config.KMSConfig{LocalKey: key}, nil)
	require.NoError(t, err)

	enc, err := em.EncryptField(ctx, "+919876543210")
	require.NoError(t, err)
	require.Equal(t, localKeyID, enc.KeyID)
	require.NotContains(t, enc.EncryptedValue, "9876543210")

	got, err := em.DecryptField(ctx, enc)
	require.NoError(t, err)
	require.Equal(t, "+919876543210", got)

	// A second instance with the same key and a cold cache can still decrypt.
	other, err := NewEncryptionManager(config.KMSConfig{LocalKey: key}, nil)
	require.NoError(t, err)
	got, err = other.DecryptField(ctx, enc)
	require.NoError(t, err)
	require.Equal(t, "+919876543210", got)

	wrong, err := NewEncryptionManager(config.KMSConfig{LocalKey: localKey(t)}, nil)
	require.NoError(t, err)
	_, err = wrong.DecryptField(ctx, enc)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestLocalKeyValidation(t *testing.T) {
	_, err := NewEncryptionManager(config.KMSConfig{LocalKey: "short"}, nil)
	require.Error(t, err)

	em, err := NewEncryptionManager(config.KMSConfig{}, nil)
	require.NoError(t, err)
	require.Len(t, em.localKEK, 32)

	_, err = NewEncryptionManager(config.KMSConfig{Enabled: true, KeyID: "k"}, nil)
	require.Error(t, err)
}

// fakeKMS wraps data keys by XOR with a constant, which is enough to check
// the envelope plumbing.
type fakeKMS struct {
	generated, decrypted int
}

func xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ 0x5a
	}
	return out
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, _ *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	f.generated++
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return &kms.GenerateDataKeyOutput{Plaintext: key, CiphertextBlob: xor(key)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.decrypted++
	return &kms.DecryptOutput{Plaintext: xor(in.CiphertextBlob)}, nil
}

func TestKMSRoundTrip(t *testing.T) {
	ctx := context.Background()
	fk := &fakeKMS{}
	em, err := NewEncryptionManager(config.KMSConfig{Enabled: true, KeyID: "arn:key"}, fk)
	require.NoError(t, err)

	enc, err := em.EncryptField(ctx, "user@example.com")
	require.NoError(t, err)
	require.Equal(t, "arn:key", enc.KeyID)
	require.Equal(t, 1, fk.generated)

	em.ClearCache()
	got, err := em.DecryptField(ctx, enc)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", got)
	require.Equal(t, 1, fk.decrypted)

	_, err = em.DecryptField(ctx, enc)
	require.NoError(t, err)
	require.Equal(t, 1, fk.decrypted, "second decrypt uses the cached key")
}
