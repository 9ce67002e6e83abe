package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"

	"github.com/tapprotocol/tap/pkg/errs"
)

// A256CBCHS512KeyLen is the combined MAC+ENC key length for A256CBC-HS512
// per RFC 7518 §5.2.3: 32 bytes MAC key || 32 bytes AES-256 key.
const A256CBCHS512KeyLen = 64

// A256GCMKeyLen is the AES-256-GCM content encryption key length.
const A256GCMKeyLen = 32

// encryptA256CBCHS512 implements AEAD_AES_256_CBC_HMAC_SHA_512 per
// RFC 7518 §5.2.3 / RFC 7516 Appendix B. cek is the 64-byte combined key;
// aad is the JWE protected header's base64url encoding.
func encryptA256CBCHS512(cek, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	const op = "envelope.encryptA256CBCHS512"
	if len(cek) != A256CBCHS512KeyLen {
		return nil, nil, nil, errs.New(errs.Crypto, op, "invalid CEK length")
	}
	macKey, encKey := cek[:32], cek[32:]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.Crypto, op, "aes cipher", err)
	}
	iv = make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, errs.Wrap(errs.Crypto, op, "read iv", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	tag = computeHMACTag(macKey, aad, iv, ciphertext)
	return iv, ciphertext, tag, nil
}

// decryptA256CBCHS512 is the inverse of encryptA256CBCHS512, verifying the
// authentication tag before decrypting.
func decryptA256CBCHS512(cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	const op = "envelope.decryptA256CBCHS512"
	if len(cek) != A256CBCHS512KeyLen {
		return nil, errs.New(errs.Crypto, op, "invalid CEK length")
	}
	macKey, encKey := cek[:32], cek[32:]

	expected := computeHMACTag(macKey, aad, iv, ciphertext)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, errs.New(errs.Crypto, op, "DecryptFailed: tag mismatch")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "aes cipher", err)
	}
	if len(ciphertext)%aes.BlockSize != 0 || len(ciphertext) == 0 {
		return nil, errs.New(errs.Crypto, op, "DecryptFailed: bad ciphertext length")
	}
	plainPadded := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(plainPadded, ciphertext)
	return pkcs7Unpad(plainPadded)
}

func computeHMACTag(macKey, aad, iv, ciphertext []byte) []byte {
	al := make([]byte, 8)
	binary.BigEndian.PutUint64(al, uint64(len(aad))*8)
	mac := hmac.New(sha512.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(al)
	return mac.Sum(nil)[:32]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	const op = "envelope.pkcs7Unpad"
	if len(data) == 0 {
		return nil, errs.New(errs.Crypto, op, "empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errs.New(errs.Crypto, op, "invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// encryptA256GCM implements AnonCrypt's content encryption, per spec.md §3.7.
func encryptA256GCM(cek, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	const op = "envelope.encryptA256GCM"
	if len(cek) != A256GCMKeyLen {
		return nil, nil, nil, errs.New(errs.Crypto, op, "invalid CEK length")
	}
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.Crypto, op, "aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, errs.Wrap(errs.Crypto, op, "gcm", err)
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, errs.Wrap(errs.Crypto, op, "read nonce", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ciphertext = sealed[:len(sealed)-gcm.Overhead()]
	tag = sealed[len(sealed)-gcm.Overhead():]
	return iv, ciphertext, tag, nil
}

// decryptA256GCM is the inverse of encryptA256GCM.
func decryptA256GCM(cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	const op = "envelope.decryptA256GCM"
	if len(cek) != A256GCMKeyLen {
		return nil, errs.New(errs.Crypto, op, "invalid CEK length")
	}
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "aes cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "gcm", err)
	}
	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "DecryptFailed", err)
	}
	return plaintext, nil
}
