package digest

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOf_IdentityLaw(t *testing.T) {
	d := Of([]byte("hello world"))
	assert.Equal(t, int64(len("hello world")), d.SizeBytes)
	assert.True(t, d.Equal(Of([]byte("hello world"))))
	assert.False(t, d.Equal(Of([]byte("hello worlD"))))
}

func TestEmpty(t *testing.T) {
	assert.True(t, Empty.IsEmpty())
	assert.Equal(t, int64(0), Empty.SizeBytes)
}

func TestFingerprintFromHex_RoundTrip(t *testing.T) {
	d := Of([]byte("round trip me"))
	f, err := FingerprintFromHex(d.Fingerprint.String())
	require.NoError(t, err)
	assert.Equal(t, d.Fingerprint, f)
}

func TestFingerprintFromHex_WrongLength(t *testing.T) {
	_, err := FingerprintFromHex("abcd")
	require.Error(t, err)
}

func TestTeeHashReader_MatchesOf(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	var sink bytes.Buffer
	d, err := TeeHashReader(&sink, strings.NewReader(string(content)))
	require.NoError(t, err)
	assert.Equal(t, Of(content), d)
	assert.Equal(t, content, sink.Bytes())
}

func TestLess_TotalOrder(t *testing.T) {
	a := Of([]byte("a"))
	b := Of([]byte("b"))
	assert.True(t, a.Less(b) != b.Less(a) || a.Equal(b))
}
