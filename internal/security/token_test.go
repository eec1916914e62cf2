package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAccessToken_HasPrefixAndValidatesItsOwnFormat(t *testing.T) {
	token, err := GenerateAccessToken()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, tokenPrefix))
	assert.True(t, ValidateTokenFormat(token))
}

func TestGenerateAccessToken_IsUnpredictable(t *testing.T) {
	a, err := GenerateAccessToken()
	require.NoError(t, err)
	b, err := GenerateAccessToken()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestValidateTokenFormat_RejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"no-prefix-at-all",
		"dl_",
		"dl_short",
		"dl_" + strings.Repeat("!", 30),
	}
	for _, c := range cases {
		assert.False(t, ValidateTokenFormat(c), "expected %q to be rejected", c)
	}
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
	assert.False(t, ConstantTimeEqual("", "a"))
	assert.True(t, ConstantTimeEqual("", ""))
}

func TestFingerprint_IsStableAndNeverContainsTheToken(t *testing.T) {
	token := "dl_supersecretvalue"
	fp1 := Fingerprint(token)
	fp2 := Fingerprint(token)
	assert.Equal(t, fp1, fp2)
	assert.Len(t, fp1, 8)
	assert.NotContains(t, fp1, token)
}

func TestFingerprint_DiffersAcrossTokens(t *testing.T) {
	assert.NotEqual(t, Fingerprint("dl_one"), Fingerprint("dl_two"))
}
