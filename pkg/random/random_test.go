package random

import (
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIs32URLSafeBytes(t *testing.T) {
	src := NewSource()
	token, err := src.Token()
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)

	other, err := src.Token()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestOTPCodeRange(t *testing.T) {
	src := NewSource()
	for i := 0; i < 200; i++ {
		code, err := src.OTPCode()
		require.NoError(t, err)
		require.Len(t, code, 6)

		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100000)
		assert.LessOrEqual(t, n, 999999)
	}
}
