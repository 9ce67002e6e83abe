package envelope

import (
	"crypto/sha512"
	"math/big"

	"golang.org/x/crypto/curve25519"

	"github.com/tapprotocol/tap/keymanager"
	"github.com/tapprotocol/tap/pkg/errs"
)

// fieldPrime is 2^255 - 19, the field modulus shared by Curve25519 and
// Edwards25519.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// ed25519PublicToX25519 converts an Ed25519 public key's Edwards y
// coordinate to a Curve25519 Montgomery u coordinate via the standard
// birational map u = (1+y)/(1-y) mod p.
func ed25519PublicToX25519(pub []byte) ([]byte, error) {
	const op = "envelope.ed25519PublicToX25519"
	if len(pub) != 32 {
		return nil, errs.New(errs.Crypto, op, "invalid ed25519 public key length")
	}
	le := make([]byte, 32)
	copy(le, pub)
	le[31] &= 0x7f // clear the sign bit to recover y

	y := new(big.Int).SetBytes(reverseBytes(le))
	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, fieldPrime)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, fieldPrime)
	denInv := new(big.Int).ModInverse(den, fieldPrime)
	if denInv == nil {
		return nil, errs.New(errs.Crypto, op, "non-invertible denominator")
	}
	u := new(big.Int).Mul(num, denInv)
	u.Mod(u, fieldPrime)

	out := make([]byte, 32)
	uBytes := u.Bytes()
	copy(out[32-len(uBytes):], uBytes)
	return reverseBytes(out), nil
}

// ed25519SeedToX25519Scalar derives the Curve25519 private scalar paired
// with an Ed25519 signing key, per the libsodium
// crypto_sign_ed25519_sk_to_curve25519 convention: hash the 32-byte seed
// with SHA-512 and take the first 32 bytes; X25519 performs the RFC 7748
// clamp internally.
func ed25519SeedToX25519Scalar(privateKey []byte) ([]byte, error) {
	const op = "envelope.ed25519SeedToX25519Scalar"
	if len(privateKey) != 64 {
		return nil, errs.New(errs.Crypto, op, "invalid ed25519 private key length")
	}
	h := sha512.Sum512(privateKey[:32])
	scalar := make([]byte, 32)
	copy(scalar, h[:32])
	return scalar, nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// x25519KeyPairFor derives an (x25519 private scalar, x25519 public key)
// pair from stored key material. Only Ed25519 keys are supported for key
// agreement today, per spec.md §4.1's assumption that the same key serves
// both signing and ECDH roles.
func x25519KeyPairFor(kt keymanager.KeyType, priv, pub []byte) (privScalar, pubPoint []byte, err error) {
	const op = "envelope.x25519KeyPairFor"
	if kt != keymanager.Ed25519 {
		return nil, nil, errs.New(errs.Crypto, op, "key agreement supported only for Ed25519-derived keys: "+string(kt))
	}
	privScalar, err = ed25519SeedToX25519Scalar(priv)
	if err != nil {
		return nil, nil, err
	}
	pubPoint, err = ed25519PublicToX25519(pub)
	if err != nil {
		return nil, nil, err
	}
	return privScalar, pubPoint, nil
}

// ecdh performs X25519(privScalar, peerPub).
func ecdh(privScalar, peerPub []byte) ([]byte, error) {
	const op = "envelope.ecdh"
	shared, err := curve25519.X25519(privScalar, peerPub)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, op, "x25519", err)
	}
	return shared, nil
}

// ephemeralX25519KeyPair generates a fresh ephemeral X25519 keypair for
// ECDH-ES/1PU, per spec.md §4.3.
func ephemeralX25519KeyPair(randSeed []byte) (privScalar, pubPoint []byte, err error) {
	const op = "envelope.ephemeralX25519KeyPair"
	if len(randSeed) != 32 {
		return nil, nil, errs.New(errs.Crypto, op, "ephemeral seed must be 32 bytes")
	}
	privScalar = make([]byte, 32)
	copy(privScalar, randSeed)
	pubPoint, err = curve25519.X25519(privScalar, curve25519.Basepoint)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Crypto, op, "derive ephemeral public key", err)
	}
	return privScalar, pubPoint, nil
}
