package documents

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedKey(t *testing.T) {
	cases := map[string]string{
		"tenant/doc.pdf":          "tenant/doc-signed.pdf",
		"tenant/archive.v2.pdf":   "tenant/archive.v2-signed.pdf",
		"tenant/no-extension":     "tenant/no-extension-signed",
		"ten.ant/also-no-ext":     "ten.ant/also-no-ext-signed",
		"plain.pdf":               "plain-signed.pdf",
	}
	for in, want := range cases {
		assert.Equal(t, want, SignedKey(in), "key %q", in)
	}
}

func TestShortCode(t *testing.T) {
	hash := "ab12cd34ef56"
	assert.Equal(t, "AB12CD", ShortCode(hash, 6))
	assert.Equal(t, "AB12", ShortCode(hash, 4))
	// Out-of-range lengths fall back to the default.
	assert.Equal(t, "AB12CD", ShortCode(hash, 0))
	assert.Equal(t, "AB12CD", ShortCode(hash, 100))
}

func TestRenderCertificate(t *testing.T) {
	signedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	doc := &Document{ID: uuid.New(), TenantID: uuid.New(), Title: "Contrato"}
	signers := []Signer{
		{
			Name: "Ana Lima", Email: "ana@example.com", Status: SignerSigned,
			SignedAt: &signedAt,
		},
		{Name: "Pendente", Email: "p@example.com", Status: SignerPending},
	}
	signers[0].SignatureHash.String = "ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12cd34ef56ab12"
	signers[0].SignatureHash.Valid = true

	data, err := renderCertificate(doc, signers, "ffee00", signedAt)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "%PDF"))
	assert.Greater(t, len(data), 500)
}
