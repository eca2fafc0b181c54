// Package crypt holds the security-material primitives the device core
// needs: AES-CMAC derivations for SIRK handling and P-256 key pair
// generation for LE Secure Connections bonding.
package crypt

import (
	"crypto"
	"crypto/aes"
	"crypto/elliptic"
	"crypto/rand"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
	ecdh "github.com/wsddn/go-ecdh"
)

// KeySize is the size of every key this package deals in.
const KeySize = 16

func aesCMAC(key, msg []byte) ([]byte, error) {
	tmp := swapBuf(key)
	mCipher, err := aes.NewCipher(tmp)
	if err != nil {
		return nil, err
	}

	msgMsb := swapBuf(msg)

	mMac, err := cmac.New(mCipher)
	if err != nil {
		return nil, err
	}

	mMac.Write(msgMsb)

	return swapBuf(mMac.Sum(nil)), nil
}

func swapBuf(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

func xorSlice(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// s1 is the SALT generation function: AES-CMAC over M with an all-zero
// key.
func s1(m []byte) ([]byte, error) {
	zero := make([]byte, KeySize)
	return aesCMAC(zero, m)
}

// k1 derives a key from K using SALT and key ID P:
// T = AES-CMAC_SALT(K); k1 = AES-CMAC_T(P).
func k1(k, salt, p []byte) ([]byte, error) {
	t, err := aesCMAC(salt, k)
	if err != nil {
		return nil, err
	}
	return aesCMAC(t, p)
}

var sirkSalt = []byte("SIRKenc")
var sirkKeyID = []byte("csis")

// SIRKDecrypt decrypts an encrypted SIRK with the link LTK. The cipher
// is an XOR against k1(LTK, s1("SIRKenc"), "csis"), so the operation is
// its own inverse.
func SIRKDecrypt(ltk, sirk []byte) ([]byte, error) {
	if len(ltk) != KeySize || len(sirk) != KeySize {
		return nil, errors.New("sirk crypt needs 16-byte keys")
	}

	salt, err := s1(sirkSalt)
	if err != nil {
		return nil, errors.Wrap(err, "can't derive salt")
	}

	pad, err := k1(ltk, salt, sirkKeyID)
	if err != nil {
		return nil, errors.Wrap(err, "can't derive sirk pad")
	}

	return xorSlice(pad, sirk), nil
}

// SIRKEncrypt is the encryption direction; identical to decryption.
func SIRKEncrypt(ltk, sirk []byte) ([]byte, error) {
	return SIRKDecrypt(ltk, sirk)
}

// Keys is a local P-256 key pair generated per bonding attempt for the
// Secure Connections exchange.
type Keys struct {
	public  crypto.PublicKey
	private crypto.PrivateKey
}

// GenerateKeys creates a fresh key pair.
func GenerateKeys() (*Keys, error) {
	var err error
	kp := Keys{}
	e := ecdh.NewEllipticECDH(elliptic.P256())

	kp.private, kp.public, err = e.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &kp, nil
}

// PublicXY returns the public key as the concatenated little-endian X
// and Y coordinates handed to the management layer.
func (k *Keys) PublicXY() []byte {
	e := ecdh.NewEllipticECDH(elliptic.P256())

	ba := e.Marshal(k.public)
	ba = ba[1:]
	x := swapBuf(ba[:32])
	y := swapBuf(ba[32:])

	return append(x, y...)
}

// SharedSecret computes the DH key against a peer public key delivered
// in the same XY layout.
func (k *Keys) SharedSecret(peerXY []byte) ([]byte, error) {
	if len(peerXY) != 64 {
		return nil, errors.New("peer public key must be 64 bytes")
	}

	e := ecdh.NewEllipticECDH(elliptic.P256())
	xs := swapBuf(peerXY[:32])
	ys := swapBuf(peerXY[32:])

	r := append([]byte{0x04}, xs...)
	r = append(r, ys...)

	pub, ok := e.Unmarshal(r)
	if !ok {
		return nil, errors.New("can't unmarshal peer public key")
	}

	b, err := e.GenerateSharedSecret(k.private, pub)
	if err != nil {
		return nil, err
	}

	return swapBuf(b), nil
}
