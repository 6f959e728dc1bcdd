package crypto

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/anthony-walsh/docvault/logger"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logger.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}
	handler := slog.NewJSONHandler(os.Stderr, opts)
	return slog.New(handler)
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(newTestLogger(), Config{Iterations: 1000})
	require.NoError(t, err)
	return pipeline
}

func deriveTestKey(t *testing.T, pipeline *Pipeline, password string) *Key {
	t.Helper()
	salt := bytes.Repeat([]byte{0x5a}, 32)
	key, err := pipeline.DeriveKey([]byte(password), salt)
	require.NoError(t, err)
	return key
}

var roundTripTestCases = []struct {
	name      string
	plaintext []byte
}{
	{name: "Empty", plaintext: []byte{}},
	{name: "Short", plaintext: []byte("hello")},
	{name: "Binary", plaintext: []byte{0x00, 0xff, 0x10, 0x80, 0x7f}},
	{name: "Repetitive", plaintext: bytes.Repeat([]byte("appeal decision record "), 500)},
}

func TestRoundTrip(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)
	key := deriveTestKey(t, pipeline, "round-trip-password")

	for _, testCase := range roundTripTestCases {
		t.Run(testCase.name, func(t *testing.T) {
			batch, err := pipeline.CompressAndEncrypt(testCase.plaintext, key)
			assert.NoError(err)
			assert.Equal(CurrentVersion, batch.Version)
			assert.Equal(CurrentAlgorithm, batch.Algorithm)
			assert.Len(batch.IV, 12)
			assert.Len(batch.Checksum, 32)
			assert.Equal(int64(len(testCase.plaintext)), batch.Metadata.OriginalSize)

			plaintext, err := pipeline.DecryptAndDecompress(batch, key)
			assert.NoError(err)
			assert.Equal(testCase.plaintext, plaintext)
		})
	}
}

// Derive a key from password "correct-horse" and a 32-byte salt,
// encrypt "hello", decrypt with the same key.
func TestKnownScenario(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)

	salt := bytes.Repeat([]byte{0x01}, 32)
	key, err := pipeline.DeriveKey([]byte("correct-horse"), salt)
	assert.NoError(err)

	batch, err := pipeline.CompressAndEncrypt([]byte("hello"), key)
	assert.NoError(err)

	plaintext, err := pipeline.DecryptAndDecompress(batch, key)
	assert.NoError(err)
	assert.Equal([]byte("hello"), plaintext)
}

func TestFreshIVPerCall(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)
	key := deriveTestKey(t, pipeline, "iv-check")

	first, err := pipeline.CompressAndEncrypt([]byte("same plaintext"), key)
	assert.NoError(err)
	second, err := pipeline.CompressAndEncrypt([]byte("same plaintext"), key)
	assert.NoError(err)

	assert.NotEqual(first.IV, second.IV)
	assert.NotEqual(first.Ciphertext, second.Ciphertext)
}

func TestTamperedCiphertextFailsAuthentication(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)
	key := deriveTestKey(t, pipeline, "tamper-check")

	batch, err := pipeline.CompressAndEncrypt([]byte("sensitive archived content"), key)
	assert.NoError(err)

	for bit := 0; bit < 8; bit++ {
		tampered := *batch
		tampered.Ciphertext = bytes.Clone(batch.Ciphertext)
		tampered.Ciphertext[0] ^= 1 << bit

		plaintext, err := pipeline.DecryptAndDecompress(&tampered, key)
		assert.ErrorIs(err, ErrAuthentication)
		assert.Nil(plaintext)
	}
}

func TestTamperedChecksumFailsIntegrity(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)
	key := deriveTestKey(t, pipeline, "checksum-check")

	batch, err := pipeline.CompressAndEncrypt([]byte("sensitive archived content"), key)
	assert.NoError(err)

	tampered := *batch
	tampered.Checksum = bytes.Clone(batch.Checksum)
	tampered.Checksum[3] ^= 0x04

	plaintext, err := pipeline.DecryptAndDecompress(&tampered, key)
	assert.ErrorIs(err, ErrIntegrity)
	assert.NotErrorIs(err, ErrAuthentication)
	assert.Nil(plaintext)
}

var formatGateTestCases = []struct {
	name      string
	version   string
	algorithm string
}{
	{name: "UnknownVersion", version: "2.0", algorithm: CurrentAlgorithm},
	{name: "UnknownAlgorithm", version: CurrentVersion, algorithm: "AES-128-CBC"},
}

func TestFormatGateRejectsBeforeDecryption(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)
	key := deriveTestKey(t, pipeline, "gate-check")

	batch, err := pipeline.CompressAndEncrypt([]byte("gated"), key)
	assert.NoError(err)

	for _, testCase := range formatGateTestCases {
		t.Run(testCase.name, func(t *testing.T) {
			mismatched := *batch
			mismatched.Version = testCase.version
			mismatched.Algorithm = testCase.algorithm

			// A nil key proves the gate runs before key material is
			// touched: with the gate in place the key is never used.
			plaintext, err := pipeline.DecryptAndDecompress(&mismatched, nil)
			assert.ErrorIs(err, ErrFormatMismatch)
			assert.Nil(plaintext)
		})
	}
}

func TestWrongKeyFailsAuthentication(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)
	key := deriveTestKey(t, pipeline, "right-password")
	wrongKey := deriveTestKey(t, pipeline, "wrong-password")

	batch, err := pipeline.CompressAndEncrypt([]byte("keyed content"), key)
	assert.NoError(err)

	plaintext, err := pipeline.DecryptAndDecompress(batch, wrongKey)
	assert.ErrorIs(err, ErrAuthentication)
	assert.Nil(plaintext)
}

func TestUncompressedFallbackIsTransparent(t *testing.T) {
	assert := require.New(t)

	rawPipeline, err := NewPipeline(newTestLogger(), Config{Iterations: 1000, DisableCompression: true})
	assert.NoError(err)
	key := deriveTestKey(t, rawPipeline, "fallback-check")

	batch, err := rawPipeline.CompressAndEncrypt([]byte("uncompressed payload"), key)
	assert.NoError(err)
	assert.False(batch.Compressed)

	// A pipeline with compression enabled reads the flag, not its own
	// configuration.
	fullPipeline, err := NewPipeline(newTestLogger(), Config{Iterations: 1000})
	assert.NoError(err)

	plaintext, err := fullPipeline.DecryptAndDecompress(batch, key)
	assert.NoError(err)
	assert.Equal([]byte("uncompressed payload"), plaintext)
}

func TestDeriveKeyZeroesPassword(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)

	password := []byte("zero-after-use")
	salt := bytes.Repeat([]byte{0x02}, 32)
	_, err := pipeline.DeriveKey(password, salt)
	assert.NoError(err)
	assert.Equal(bytes.Repeat([]byte{0x00}, len(password)), password)
}

func TestDeriveKeyRejectsShortSalt(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)

	_, err := pipeline.DeriveKey([]byte("pw"), []byte("short"))
	assert.Error(err)
}

func TestZeroedKeyIsUnusable(t *testing.T) {
	assert := require.New(t)
	pipeline := newTestPipeline(t)
	key := deriveTestKey(t, pipeline, "logout-check")

	key.Zero()
	_, err := pipeline.CompressAndEncrypt([]byte("after logout"), key)
	assert.Error(err)
}
