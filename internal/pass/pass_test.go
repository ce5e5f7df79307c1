package pass_test

import (
	"bytes"
	"testing"

	"ms-registration/internal/models"
	"ms-registration/internal/pass"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var claims = models.PassClaims{RegistrationID: "r1", EventID: "e1", UserID: "u1", IssuedAt: 1767225600}

func TestIssuer_SealAndOpen(t *testing.T) {
	iss, err := pass.NewIssuer("s3cret", 0)
	require.NoError(t, err)

	token, err := iss.Seal(claims)
	require.NoError(t, err)
	assert.NotContains(t, token, "r1")

	got, err := iss.Open(token)
	require.NoError(t, err)
	assert.Equal(t, claims, got)

	// Test case: each seal uses a fresh nonce
	again, err := iss.Seal(claims)
	require.NoError(t, err)
	assert.NotEqual(t, token, again)
}

func TestIssuer_RejectsForeignAndTamperedTokens(t *testing.T) {
	iss, err := pass.NewIssuer("s3cret", 0)
	require.NoError(t, err)
	other, err := pass.NewIssuer("another", 0)
	require.NoError(t, err)

	token, err := other.Seal(claims)
	require.NoError(t, err)
	_, err = iss.Open(token)
	assert.ErrorIs(t, err, pass.ErrInvalidPass)

	token, err = iss.Seal(claims)
	require.NoError(t, err)
	tampered := []byte(token)
	mid := len(tampered) / 2
	if tampered[mid] == 'A' {
		tampered[mid] = 'B'
	} else {
		tampered[mid] = 'A'
	}
	_, err = iss.Open(string(tampered))
	assert.ErrorIs(t, err, pass.ErrInvalidPass)

	for _, bad := range []string{"", "!!!", "abc"} {
		_, err = iss.Open(bad)
		assert.ErrorIs(t, err, pass.ErrInvalidPass, bad)
	}
}

func TestIssuer_RenderPNG(t *testing.T) {
	iss, err := pass.NewIssuer("s3cret", 128)
	require.NoError(t, err)

	png, err := iss.Render(claims)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}

func TestNewIssuer_RequiresSecret(t *testing.T) {
	_, err := pass.NewIssuer("", 0)
	assert.Error(t, err)
}
