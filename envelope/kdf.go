package envelope

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/tapprotocol/tap/pkg/errs"
)

// concatKDF implements the NIST SP 800-56A Concat KDF as profiled by
// RFC 7518 §5.8.1 ("ECDH-ES Key Agreement Compact Serialization"), the
// standard key-derivation step for ECDH-ES/ECDH-1PU in JOSE.
//
// otherInfo is AlgorithmID || PartyUInfo || PartyVInfo || SuppPubInfo, each
// length-prefixed per the RFC, assembled by the caller via concatOtherInfo.
func concatKDF(z []byte, keyDataLenBits int, otherInfo []byte) []byte {
	hashLen := sha256.Size
	reps := (keyDataLenBits/8 + hashLen - 1) / hashLen
	out := make([]byte, 0, reps*hashLen)
	for i := 1; i <= reps; i++ {
		h := sha256.New()
		var counter [4]byte
		binary.BigEndian.PutUint32(counter[:], uint32(i))
		h.Write(counter[:])
		h.Write(z)
		h.Write(otherInfo)
		out = append(out, h.Sum(nil)...)
	}
	return out[:keyDataLenBits/8]
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	copy(out[4:], b)
	return out
}

// concatOtherInfo assembles the Concat KDF "OtherInfo" value per
// RFC 7518 §5.8.1.1: AlgorithmID || PartyUInfo || PartyVInfo ||
// SuppPubInfo || SuppPrivInfo (the last is empty for ECDH-ES/1PU+A*KW).
func concatOtherInfo(algID, apu, apv []byte, keyDataLenBits int) []byte {
	var suppPub [4]byte
	binary.BigEndian.PutUint32(suppPub[:], uint32(keyDataLenBits))
	out := append([]byte{}, lengthPrefixed(algID)...)
	out = append(out, lengthPrefixed(apu)...)
	out = append(out, lengthPrefixed(apv)...)
	out = append(out, suppPub[:]...)
	return out
}

// aesKeyWrap implements RFC 3394 AES Key Wrap. kek must be 16/24/32 bytes;
// cek's length must be a multiple of 8 bytes and at least 16.
func aesKeyWrap(kek, cek []byte) ([]byte, error) {
	const op = "envelope.aesKeyWrap"
	if len(cek)%8 != 0 || len(cek) < 16 {
		return nil, errs.New(errs.Crypto, op, "invalid key length to wrap")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "aes cipher", err)
	}

	n := len(cek) / 8
	r := make([][]byte, n)
	for i := 0; i < n; i++ {
		r[i] = append([]byte{}, cek[i*8:(i+1)*8]...)
	}
	a := []byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a)
			copy(buf[8:], r[i-1])
			block.Encrypt(buf, buf)
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := range a {
				a[k] = buf[k] ^ tb[k]
			}
			r[i-1] = append([]byte{}, buf[8:]...)
		}
	}

	out := make([]byte, 0, 8+len(cek))
	out = append(out, a...)
	for _, block8 := range r {
		out = append(out, block8...)
	}
	return out, nil
}

// aesKeyUnwrap implements the inverse of aesKeyWrap.
func aesKeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	const op = "envelope.aesKeyUnwrap"
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, errs.New(errs.Crypto, op, "invalid wrapped key length")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "aes cipher", err)
	}

	n := len(wrapped)/8 - 1
	a := append([]byte{}, wrapped[:8]...)
	r := make([][]byte, n)
	for i := 0; i < n; i++ {
		r[i] = append([]byte{}, wrapped[8+i*8:8+(i+1)*8]...)
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			var xored [8]byte
			for k := range a {
				xored[k] = a[k] ^ tb[k]
			}
			copy(buf[:8], xored[:])
			copy(buf[8:], r[i-1])
			block.Decrypt(buf, buf)
			a = append([]byte{}, buf[:8]...)
			r[i-1] = append([]byte{}, buf[8:]...)
		}
	}

	expected := []byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}
	if !constantTimeEqual(a, expected) {
		return nil, errs.New(errs.Crypto, op, "key unwrap integrity check failed")
	}

	out := make([]byte, 0, n*8)
	for _, block8 := range r {
		out = append(out, block8...)
	}
	return out, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
