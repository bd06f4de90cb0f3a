package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateParse(t *testing.T) {
	i := NewIssuer("secret")
	tok, err := i.Generate("chat-adapter", time.Hour)
	require.NoError(t, err)

	sub, err := i.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "chat-adapter", sub)
}

func TestParse_Expired(t *testing.T) {
	i := NewIssuer("secret")
	tok, err := i.Generate("chat-adapter", time.Minute)
	require.NoError(t, err)

	i.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = i.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_WrongSecret(t *testing.T) {
	tok, err := NewIssuer("a").Generate("x", time.Hour)
	require.NoError(t, err)
	_, err = NewIssuer("b").Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_RejectsNoneAlg(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = NewIssuer("secret").Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
