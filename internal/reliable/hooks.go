package reliable

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"io"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/tjfoc/gmsm/sm4"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/salsa20"
)

// pbkdf2Salt mirrors the teacher's client/main.go SALT constant: a fixed
// salt for deriving a cipher key from an operator-supplied passphrase.
const pbkdf2Salt = "portmaster"

// streamCipher is the encrypt hook's contract: Seal/Open are composed with
// compress on send/receive per spec.md §4.3 ("compress then encrypt on
// send; inverse on receive"). The identity implementation is the spec's
// mandated default; the rest are real, switchable algorithms realizing the
// spec's stated Open Question.
type streamCipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

type identityCipher struct{}

func (identityCipher) Seal(p []byte) ([]byte, error) { return p, nil }
func (identityCipher) Open(c []byte) ([]byte, error) { return c, nil }

// newCipher builds the configured streamCipher, falling back to identity for
// an unknown or empty name — the hooks are optional, never mandatory.
func newCipher(name string, passphrase string) (streamCipher, error) {
	switch name {
	case "", "none":
		return identityCipher{}, nil
	case "aes-gcm":
		key := pbkdf2.Key([]byte(passphrase), []byte(pbkdf2Salt), 4096, 32, sha1.New)
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "aes-gcm")
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, errors.Wrap(err, "aes-gcm")
		}
		return &aeadCipher{aead: gcm}, nil
	case "salsa20":
		key := pbkdf2.Key([]byte(passphrase), []byte(pbkdf2Salt), 4096, 32, sha1.New)
		var k [32]byte
		copy(k[:], key)
		return &salsa20Cipher{key: k}, nil
	case "sm4":
		key := pbkdf2.Key([]byte(passphrase), []byte(pbkdf2Salt), 4096, 16, sha1.New)
		block, err := sm4.NewCipher(key)
		if err != nil {
			return nil, errors.Wrap(err, "sm4")
		}
		return &cbcCipher{block: block}, nil
	default:
		return identityCipher{}, nil
	}
}

// aeadCipher wraps any cipher.AEAD (used for aes-gcm): nonce is random per
// message and prepended to the ciphertext.
type aeadCipher struct {
	aead cipher.AEAD
}

func (c *aeadCipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aeadCipher) Open(ciphertext []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, errors.New("reliable: ciphertext shorter than nonce")
	}
	return c.aead.Open(nil, ciphertext[:n], ciphertext[n:], nil)
}

// salsa20Cipher uses a random 8-byte nonce per message, prepended to the
// output, matching the stream-cipher entries in the teacher's
// std/crypt.go cipher table.
type salsa20Cipher struct {
	key [32]byte
}

func (c *salsa20Cipher) Seal(plaintext []byte) ([]byte, error) {
	var nonce [8]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, errors.Wrap(err, "nonce")
	}
	out := make([]byte, 8+len(plaintext))
	copy(out[:8], nonce[:])
	salsa20.XORKeyStream(out[8:], plaintext, nonce[:], &c.key)
	return out, nil
}

func (c *salsa20Cipher) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 8 {
		return nil, errors.New("reliable: ciphertext shorter than nonce")
	}
	var nonce [8]byte
	copy(nonce[:], ciphertext[:8])
	out := make([]byte, len(ciphertext)-8)
	salsa20.XORKeyStream(out, ciphertext[8:], nonce[:], &c.key)
	return out, nil
}

// cbcCipher wraps a block cipher (used for sm4) in CBC mode with PKCS7
// padding and a random IV prepended to the output.
type cbcCipher struct {
	block cipher.Block
}

func (c *cbcCipher) Seal(plaintext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	padded := pkcs7Pad(plaintext, bs)
	out := make([]byte, bs+len(padded))
	iv := out[:bs]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, errors.Wrap(err, "iv")
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[bs:], padded)
	return out, nil
}

func (c *cbcCipher) Open(ciphertext []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(ciphertext) < bs || (len(ciphertext)-bs)%bs != 0 {
		return nil, errors.New("reliable: malformed ciphertext")
	}
	iv := ciphertext[:bs]
	body := append([]byte(nil), ciphertext[bs:]...)
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(body, body)
	return pkcs7Unpad(body, bs)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("reliable: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("reliable: invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// compressPayload/decompressPayload implement the compress() hook with
// snappy, exactly as the teacher's std.CompStream does for its net.Conn
// wrapper — here applied per-chunk instead of as a stream wrapper, since
// each DATA frame payload is already a discrete unit.
func compressPayload(enabled bool, data []byte) []byte {
	if !enabled {
		return data
	}
	return snappy.Encode(nil, data)
}

func decompressPayload(enabled bool, data []byte) ([]byte, error) {
	if !enabled {
		return data, nil
	}
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decode")
	}
	return out, nil
}
