// Package crypto implements the authenticated compress-and-encrypt
// pipeline used by the cold archive. Batches are zstd-compressed,
// checksummed with SHA-256 over the post-compression bytes (the exact
// AEAD plaintext, so the checksum can be verified before
// decompression), and sealed with AES-256-GCM under a PBKDF2-derived
// key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/anthony-walsh/docvault/logger"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/pbkdf2"
)

const (
	CurrentVersion   = "1.0"
	CurrentAlgorithm = "AES-256-GCM"

	DefaultIterations = 210000

	keyLength   = 32
	ivLength    = 12
	minSaltSize = 16
)

type Config struct {
	Version            string
	Algorithm          string
	Iterations         int
	DisableCompression bool
}

func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = CurrentVersion
	}
	if c.Algorithm == "" {
		c.Algorithm = CurrentAlgorithm
	}
	if c.Iterations <= 0 {
		c.Iterations = DefaultIterations
	}
}

// Key holds derived key material. It is deliberately opaque so that
// the bytes never leak into logs or serialized structures.
type Key struct {
	material []byte
}

// KeyFromBytes builds a key from raw material supplied by the caller,
// for sessions established without a password. The input slice is
// copied and zeroed.
func KeyFromBytes(material []byte) (*Key, error) {
	defer zeroBytes(material)

	if len(material) != keyLength {
		return nil, fmt.Errorf("key material must be %d bytes, got %d", keyLength, len(material))
	}

	key := &Key{material: make([]byte, keyLength)}
	copy(key.material, material)

	return key, nil
}

// Zero wipes the key material. The key is unusable afterwards.
func (k *Key) Zero() {
	zeroBytes(k.material)
	k.material = nil
}

func (k *Key) valid() bool {
	return k != nil && len(k.material) == keyLength
}

type BatchMetadata struct {
	BatchID        string `json:"batch_id"`
	DocumentCount  int    `json:"document_count"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	EncryptedSize  int64  `json:"encrypted_size"`
}

// Batch is the versioned envelope for one unit of archived data.
type Batch struct {
	Version    string        `json:"version"`
	Algorithm  string        `json:"algorithm"`
	IV         []byte        `json:"iv"`
	Ciphertext []byte        `json:"ciphertext"`
	Checksum   []byte        `json:"checksum"`
	Compressed bool          `json:"compressed"`
	Metadata   BatchMetadata `json:"metadata"`
}

type Pipeline struct {
	cfg     Config
	logger  logger.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewPipeline(logger logger.Logger, cfg Config) (*Pipeline, error) {
	cfg.setDefaults()

	p := &Pipeline{cfg: cfg, logger: logger}

	if !cfg.DisableCompression {
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			// Compression is an optimization, not a requirement. The
			// compressed flag on each batch keeps the decrypt path
			// unaware of which mode produced it.
			logger.Warn("compression unavailable, batches will be stored uncompressed", "err", err.Error())
		} else {
			p.encoder = encoder
		}
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		logger.Error("could not create decompressor", "err", err.Error())
		return nil, fmt.Errorf("failed to create decompressor: %w", err)
	}
	p.decoder = decoder

	return p, nil
}

// DeriveKey derives a symmetric key from a password and a salt using
// PBKDF2-SHA256. The salt must be random and at least 16 bytes; the
// same password and salt always derive the same key. The password
// bytes are zeroed before DeriveKey returns, on every path.
func (p *Pipeline) DeriveKey(password, salt []byte) (*Key, error) {
	defer zeroBytes(password)

	if len(password) == 0 {
		return nil, fmt.Errorf("password must not be empty")
	}
	if len(salt) < minSaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes, got %d", minSaltSize, len(salt))
	}

	material := pbkdf2.Key(password, salt, p.cfg.Iterations, keyLength, sha256.New)

	return &Key{material: material}, nil
}

// CompressAndEncrypt produces a sealed Batch for the given plaintext.
// A fresh random 96-bit IV is drawn on every call; the same key and IV
// pair is never reused.
func (p *Pipeline) CompressAndEncrypt(plaintext []byte, key *Key) (*Batch, error) {
	if !key.valid() {
		return nil, fmt.Errorf("encryption key not established")
	}

	payload := plaintext
	compressed := false
	if p.encoder != nil {
		payload = p.encoder.EncodeAll(plaintext, nil)
		compressed = true
	}

	checksum := sha256.Sum256(payload)

	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		p.logger.Error("could not generate iv", "err", err.Error())
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := p.newGCM(key)
	if err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, iv, payload, nil)

	batch := &Batch{
		Version:    p.cfg.Version,
		Algorithm:  p.cfg.Algorithm,
		IV:         iv,
		Ciphertext: ciphertext,
		Checksum:   checksum[:],
		Compressed: compressed,
		Metadata: BatchMetadata{
			BatchID:        uuid.New().String(),
			OriginalSize:   int64(len(plaintext)),
			CompressedSize: int64(len(payload)),
			EncryptedSize:  int64(len(ciphertext)),
		},
	}

	if compressed {
		zeroBytes(payload)
	}

	return batch, nil
}

// DecryptAndDecompress verifies and opens a Batch. The version and
// algorithm gates run before any key material is touched. On any
// failure the intermediate plaintext is discarded, never returned.
func (p *Pipeline) DecryptAndDecompress(batch *Batch, key *Key) ([]byte, error) {
	if batch.Version != p.cfg.Version {
		return nil, &FormatMismatchError{Field: "version", Got: batch.Version, Want: p.cfg.Version}
	}
	if batch.Algorithm != p.cfg.Algorithm {
		return nil, &FormatMismatchError{Field: "algorithm", Got: batch.Algorithm, Want: p.cfg.Algorithm}
	}
	if len(batch.IV) != ivLength {
		return nil, &FormatMismatchError{Field: "iv", Got: fmt.Sprintf("%d bytes", len(batch.IV)), Want: fmt.Sprintf("%d bytes", ivLength)}
	}

	if !key.valid() {
		return nil, fmt.Errorf("decryption key not established")
	}

	gcm, err := p.newGCM(key)
	if err != nil {
		return nil, err
	}

	payload, err := gcm.Open(nil, batch.IV, batch.Ciphertext, nil)
	if err != nil {
		p.logger.Error("batch failed authentication", "batch_id", batch.Metadata.BatchID)
		return nil, &AuthenticationError{BatchID: batch.Metadata.BatchID, Cause: err}
	}

	checksum := sha256.Sum256(payload)
	if subtle.ConstantTimeCompare(checksum[:], batch.Checksum) != 1 {
		zeroBytes(payload)
		p.logger.Error("batch failed integrity check", "batch_id", batch.Metadata.BatchID)
		return nil, &IntegrityError{BatchID: batch.Metadata.BatchID}
	}

	if !batch.Compressed {
		return payload, nil
	}

	plaintext, err := p.decoder.DecodeAll(payload, nil)
	zeroBytes(payload)
	if err != nil {
		p.logger.Error("could not decompress batch", "batch_id", batch.Metadata.BatchID, "err", err.Error())
		return nil, fmt.Errorf("failed to decompress batch %s: %w", batch.Metadata.BatchID, err)
	}

	return plaintext, nil
}

func (p *Pipeline) newGCM(key *Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.material)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
