package vault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitguard/marginguard/pkg/models"
)

func testVault() *Vault {
	return New("test-server-secret", "fixed-salt")
}

func TestVault_RoundTrip(t *testing.T) {
	v := testVault()

	creds := models.Credentials{
		APIKey:     "key-123",
		APISecret:  "secret-456",
		Passphrase: "phrase-789",
	}

	sealed, err := v.Seal(creds)
	require.NoError(t, err)

	got, err := v.Unseal(sealed)
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestVault_FreshNoncePerSeal(t *testing.T) {
	v := testVault()
	creds := models.Credentials{APIKey: "k", APISecret: "s"}

	first, err := v.Seal(creds)
	require.NoError(t, err)
	second, err := v.Seal(creds)
	require.NoError(t, err)

	assert.NotEqual(t, first.IVHex, second.IVHex)
	assert.NotEqual(t, first.CiphertextHex, second.CiphertextHex)
}

func tamperHex(s string) string {
	b := []byte(s)
	if b[0] == 'a' {
		b[0] = 'b'
	} else {
		b[0] = 'a'
	}
	return string(b)
}

func TestVault_TamperedCiphertextFailsIntegrity(t *testing.T) {
	v := testVault()
	sealed, err := v.Seal(models.Credentials{APIKey: "k", APISecret: "s", Passphrase: "p"})
	require.NoError(t, err)

	sealed.CiphertextHex = tamperHex(sealed.CiphertextHex)

	_, err = v.Unseal(sealed)
	require.Error(t, err)
	var integrityErr *IntegrityError
	assert.True(t, errors.As(err, &integrityErr))
}

func TestVault_TamperedAuthTagFailsIntegrity(t *testing.T) {
	v := testVault()
	sealed, err := v.Seal(models.Credentials{APIKey: "k", APISecret: "s", Passphrase: "p"})
	require.NoError(t, err)

	sealed.AuthTagHex = tamperHex(sealed.AuthTagHex)

	_, err = v.Unseal(sealed)
	var integrityErr *IntegrityError
	assert.True(t, errors.As(err, &integrityErr))
}

func TestVault_WrongKeyFailsIntegrity(t *testing.T) {
	sealed, err := testVault().Seal(models.Credentials{APIKey: "k"})
	require.NoError(t, err)

	other := New("different-secret", "fixed-salt")
	_, err = other.Unseal(sealed)
	var integrityErr *IntegrityError
	assert.True(t, errors.As(err, &integrityErr))
}

func TestParseSealed_WrongFieldCount(t *testing.T) {
	_, err := ParseSealed("only:two")
	var integrityErr *IntegrityError
	require.True(t, errors.As(err, &integrityErr))

	_, err = ParseSealed("a:b:c:d")
	assert.True(t, errors.As(err, &integrityErr))
}

func TestParseSealed_TransportRoundTrip(t *testing.T) {
	v := testVault()
	sealed, err := v.Seal(models.Credentials{APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	parsed, err := ParseSealed(sealed.String())
	require.NoError(t, err)
	assert.Equal(t, sealed, parsed)
}

func TestVault_Validate(t *testing.T) {
	v := testVault()
	sealed, err := v.Seal(models.Credentials{APIKey: "k"})
	require.NoError(t, err)

	assert.True(t, v.Validate(sealed))

	sealed.CiphertextHex = tamperHex(sealed.CiphertextHex)
	assert.False(t, v.Validate(sealed))
}
