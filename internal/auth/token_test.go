package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/courier-im/courier/internal/model"
)

func TestIssueAndVerifyRoundtrip(t *testing.T) {
	verifier := NewTokenVerifier("test-secret", time.Minute)

	token, err := verifier.Issue("user-1")
	require.NoError(t, err)

	userID, err := verifier.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)
}

func TestVerifyExpiredToken(t *testing.T) {
	verifier := NewTokenVerifier("test-secret", time.Minute)

	issuedAt := time.Now().Add(-time.Hour)
	verifier.now = func() time.Time { return issuedAt }

	token, err := verifier.Issue("user-1")
	require.NoError(t, err)

	verifier.now = time.Now

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, model.ErrTokenExpired)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	verifier := NewTokenVerifier("test-secret", time.Minute)

	_, err := verifier.Verify("not-a-token")
	require.ErrorIs(t, err, model.ErrUnauthorized)

	_, err = verifier.Verify("")
	require.ErrorIs(t, err, model.ErrUnauthorized)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenVerifier("secret-a", time.Minute)
	verifier := NewTokenVerifier("secret-b", time.Minute)

	token, err := issuer.Issue("user-1")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.ErrorIs(t, err, model.ErrUnauthorized)
}
