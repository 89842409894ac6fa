// Package cryptobinding derives the SSTP Compound MAC (CMAC) that binds
// the inner MS-CHAPv2 authentication to the outer TLS session's
// certificate.
package cryptobinding

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/md4"
)

// HashAlgorithm identifies the certificate-hash / HMAC algorithm
// negotiated for crypto binding.
type HashAlgorithm byte

const (
	HashAlgorithmSHA1   HashAlgorithm = 0x01
	HashAlgorithmSHA256 HashAlgorithm = 0x02
)

const (
	// FieldSize is the fixed width of nonce, cert_hash, and cmac fields on
	// the wire; shorter hash outputs are zero-padded up to this size.
	FieldSize = 32

	// NTResponseLen is the length of the captured PPP-CHAP response
	// payload; only its last 24 bytes (the NT-Response) feed derivation.
	NTResponseLen = 49
)

var (
	ErrUnsupportedHash = errors.New("cryptobinding: unsupported hash bitmask")
	ErrHmacFailed      = errors.New("cryptobinding: hmac derivation failed")
)

// SelectHashAlgorithm applies the §4.2 selection rule: bitmask must be
// exactly SHA-256, exactly SHA-1, or both set (in which case SHA-256, the
// stronger algorithm, wins). Any other value is rejected.
func SelectHashAlgorithm(bitmask byte) (HashAlgorithm, error) {
	const sha1Bit = byte(HashAlgorithmSHA1)
	const sha256Bit = byte(HashAlgorithmSHA256)

	switch bitmask {
	case sha256Bit, sha1Bit | sha256Bit:
		return HashAlgorithmSHA256, nil
	case sha1Bit:
		return HashAlgorithmSHA1, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedHash, bitmask)
	}
}

func newHash(alg HashAlgorithm) (func() hash.Hash, int, error) {
	switch alg {
	case HashAlgorithmSHA1:
		return sha1.New, sha1.Size, nil
	case HashAlgorithmSHA256:
		return sha256.New, sha256.Size, nil
	default:
		return nil, 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedHash, byte(alg))
	}
}

// CertHash hashes the peer's DER-encoded certificate with alg and
// zero-pads the result to FieldSize bytes.
func CertHash(alg HashAlgorithm, peerCertDER []byte) ([FieldSize]byte, error) {
	newH, _, err := newHash(alg)
	if err != nil {
		return [FieldSize]byte{}, err
	}
	h := newH()
	h.Write(peerCertDER)
	sum := h.Sum(nil)

	var out [FieldSize]byte
	copy(out[:], sum)
	return out, nil
}

// magic1 is the ASCII string "This is the MPPE Master Key" (27 bytes),
// used to derive the MasterKey from PasswordHashHash and NT_Response.
var magic1 = []byte("This is the MPPE Master Key")

// magic2 and magic3 are the 84-byte RFC 3079 strings feeding
// MasterReceiveKey and MasterSendKey respectively, per the field layout
// this derivation follows.
var magic2 = []byte("On the client side, this is the send key; on the server side, it is the receive key.")
var magic3 = []byte("On the client side, this is the receive key; on the server side, it is the send key.")

// shsPad1 is 40 zero bytes; shsPad2 is 40 bytes of 0xF2. Both pad the
// SHA-1 input used to derive the MPPE send/receive keys from MasterKey.
var shsPad1 = make([]byte, 40)
var shsPad2 = func() []byte {
	b := make([]byte, 40)
	for i := range b {
		b[i] = 0xF2
	}
	return b
}()

// NtPasswordHash computes MD4(UTF-16LE(password)) per MS-CHAPv2, using the
// ASCII-only width-doubling encoding (low byte plus zero high byte per
// character), matching the Microsoft reference.
func NtPasswordHash(password string) [md4.Size]byte {
	utf16le := make([]byte, 0, len(password)*2)
	for _, r := range password {
		utf16le = append(utf16le, byte(r), 0)
	}
	var out [md4.Size]byte
	h := md4.New()
	h.Write(utf16le)
	copy(out[:], h.Sum(nil))
	return out
}

func passwordHashHash(passwordHash [md4.Size]byte) [md4.Size]byte {
	var out [md4.Size]byte
	h := md4.New()
	h.Write(passwordHash[:])
	copy(out[:], h.Sum(nil))
	return out
}

// masterKey computes the first 16 bytes of SHA1(PasswordHashHash ||
// NT_Response || Magic1).
func masterKey(passwordHashHash [md4.Size]byte, ntResponse []byte) [16]byte {
	h := sha1.New()
	h.Write(passwordHashHash[:])
	h.Write(ntResponse)
	h.Write(magic1)
	sum := h.Sum(nil)

	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// deriveSessionKey computes the first 16 bytes of
// SHA1(masterKey || SHSpad1 || magic || SHSpad2), the shared shape behind
// both MasterSendKey and MasterReceiveKey.
func deriveSessionKey(mk [16]byte, magic []byte) [16]byte {
	h := sha1.New()
	h.Write(mk[:])
	h.Write(shsPad1)
	h.Write(magic)
	h.Write(shsPad2)
	sum := h.Sum(nil)

	var out [16]byte
	copy(out[:], sum[:16])
	return out
}

// HLAK is the Higher-Layer Authentication Key, the HMAC key used to
// derive the CMK. Its construction is the documented quirk: receive-key
// then send-key, reversed from the literal Microsoft spec wording.
func HLAK(masterSendKey, masterReceiveKey [16]byte) [32]byte {
	var out [32]byte
	copy(out[0:16], masterReceiveKey[:])
	copy(out[16:32], masterSendKey[:])
	return out
}

// cmkSeedPrefix is the 29-byte PRF+ seed label for CMK derivation.
var cmkSeedPrefix = []byte("SSTP inner method derived CMK")

// CMK derives the Compound MAC Key from the HLAK via the PRF+ seed
// construction, then zero-extends the HMAC output to FieldSize bytes.
func CMK(alg HashAlgorithm, hlak [32]byte) ([FieldSize]byte, error) {
	newH, hashLen, err := newHash(alg)
	if err != nil {
		return [FieldSize]byte{}, err
	}

	seed := make([]byte, 0, len(cmkSeedPrefix)+2+1)
	seed = append(seed, cmkSeedPrefix...)
	seed = binary.LittleEndian.AppendUint16(seed, uint16(hashLen))
	seed = append(seed, 0x01)

	mac := hmac.New(newH, hlak[:])
	mac.Write(seed)
	sum := mac.Sum(nil)

	var out [FieldSize]byte
	copy(out[:], sum)
	return out, nil
}

// callConnectedCanonicalPrefix is the fixed 16-byte prefix of the
// CallConnectedCanonical buffer: SSTP + control headers, the
// CALL_CONNECTED message type, one CryptoBinding attribute header, and a
// hash_bitmask placeholder of 0x02. It is a literal constant, never
// recomputed from the negotiated algorithm.
var callConnectedCanonicalPrefix = []byte{
	0x10, 0x01, 0x00, 0x70, 0x00, 0x04, 0x00, 0x01,
	0x00, 0x03, 0x00, 0x68, 0x00, 0x00, 0x00, 0x02,
}

// CallConnectedCanonical assembles the 112-byte buffer CMAC is computed
// over: the fixed prefix, the nonce, the cert hash, and 32 zero bytes in
// place of the (not-yet-computed) CMAC field.
func CallConnectedCanonical(nonce, certHash [FieldSize]byte) [112]byte {
	var buf [112]byte
	off := copy(buf[:], callConnectedCanonicalPrefix)
	off += copy(buf[off:], nonce[:])
	off += copy(buf[off:], certHash[:])
	// remaining 32 bytes are already zero.
	_ = off
	return buf
}

// CMAC computes the Compound MAC over canonical using cmk as the HMAC
// key, zero-extending the output to FieldSize bytes.
func CMAC(alg HashAlgorithm, cmk [FieldSize]byte, canonical [112]byte) ([FieldSize]byte, error) {
	newH, _, err := newHash(alg)
	if err != nil {
		return [FieldSize]byte{}, err
	}
	mac := hmac.New(newH, cmk[:])
	mac.Write(canonical[:])
	sum := mac.Sum(nil)

	var out [FieldSize]byte
	copy(out[:], sum)
	return out, nil
}

// Derive runs the full §4.2 on_ppp_chap_success derivation: from the
// account password and the captured 49-byte PPP-CHAP response, through
// the MPPE key hierarchy and HLAK, to the final CMK and CMAC bound to
// nonce and certHash.
func Derive(alg HashAlgorithm, password string, chapResponse [NTResponseLen]byte, nonce, certHash [FieldSize]byte) (cmk, cmac [FieldSize]byte, err error) {
	ntResponse := chapResponse[NTResponseLen-24:]

	pwHash := NtPasswordHash(password)
	pwHashHash := passwordHashHash(pwHash)

	mk := masterKey(pwHashHash, ntResponse)
	sendKey := deriveSessionKey(mk, magic3)
	receiveKey := deriveSessionKey(mk, magic2)

	hlak := HLAK(sendKey, receiveKey)

	cmk, err = CMK(alg, hlak)
	if err != nil {
		return [FieldSize]byte{}, [FieldSize]byte{}, err
	}

	canonical := CallConnectedCanonical(nonce, certHash)
	cmac, err = CMAC(alg, cmk, canonical)
	if err != nil {
		return [FieldSize]byte{}, [FieldSize]byte{}, err
	}
	return cmk, cmac, nil
}
