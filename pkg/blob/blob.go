// Package blob defines the content-addressing primitives shared by every
// layer of hashtreed: Hash, CID, and the bech32-encoded NHash locator.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/mmalmi/hashtreed/pkg/herr"
)

// HashSize is the length in bytes of a content hash (SHA-256).
const HashSize = sha256.Size

// KeySize is the length in bytes of a CHK symmetric key.
const KeySize = 32

// Hash is a content hash: the SHA-256 digest of a block's logical bytes.
type Hash [HashSize]byte

// Sum computes the Hash of data.
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash decodes a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, herr.New(herr.KindInvalidPath, "blob.ParseHash", err)
	}
	if len(b) != HashSize {
		return h, herr.New(herr.KindInvalidPath, "blob.ParseHash", errBadLen)
	}
	copy(h[:], b)
	return h, nil
}

var errBadLen = &lenError{}

type lenError struct{}

func (*lenError) Error() string { return "wrong hash length" }

// CID is a content identifier: a Hash plus an optional symmetric key. A
// CID with a key denotes an encrypted block; a CID without one denotes a
// plaintext block. Two CIDs are equal iff both fields match.
type CID struct {
	Hash Hash
	Key  *[KeySize]byte
}

// Encrypted reports whether this CID carries a decryption key.
func (c CID) Encrypted() bool {
	return c.Key != nil
}

// Equal reports whether two CIDs denote the same block under the same key.
func (c CID) Equal(o CID) bool {
	if c.Hash != o.Hash {
		return false
	}
	if (c.Key == nil) != (o.Key == nil) {
		return false
	}
	if c.Key == nil {
		return true
	}
	return *c.Key == *o.Key
}

// NHash is the bech32-encoded form of a CID plus an optional embedded
// path, using the hrp "nhash". The raw payload layout is:
//
//	1 byte flags (bit0 = has key)
//	32 bytes hash
//	32 bytes key (present only if flag bit0 is set)
//	remainder: UTF-8 path, segments joined by '/'
const nhashHRP = "nhash"

// EncodeNHash encodes a CID and an optional path into an nhash1... string.
func EncodeNHash(cid CID, path []string) (string, error) {
	flags := byte(0)
	if cid.Encrypted() {
		flags = 1
	}
	payload := make([]byte, 0, 1+HashSize+KeySize+32)
	payload = append(payload, flags)
	payload = append(payload, cid.Hash[:]...)
	if cid.Encrypted() {
		payload = append(payload, cid.Key[:]...)
	}
	if len(path) > 0 {
		payload = append(payload, []byte(strings.Join(path, "/"))...)
	}
	conv, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", herr.New(herr.KindInvalidPath, "blob.EncodeNHash", err)
	}
	s, err := bech32.Encode(nhashHRP, conv)
	if err != nil {
		return "", herr.New(herr.KindInvalidPath, "blob.EncodeNHash", err)
	}
	return s, nil
}

// DecodedNHash is the result of decoding an nhash string.
type DecodedNHash struct {
	CID  CID
	Path []string
}

// DecodeNHash decodes an nhash1... string back into a CID and path.
// nhash_encode(decode(s)) == s for every valid nhash produced by
// EncodeNHash.
func DecodeNHash(s string) (*DecodedNHash, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, herr.New(herr.KindInvalidPath, "blob.DecodeNHash", err)
	}
	if hrp != nhashHRP {
		return nil, herr.New(herr.KindInvalidPath, "blob.DecodeNHash", errBadHRP)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, herr.New(herr.KindInvalidPath, "blob.DecodeNHash", err)
	}
	if len(payload) < 1+HashSize {
		return nil, herr.New(herr.KindInvalidPath, "blob.DecodeNHash", errBadLen)
	}
	flags := payload[0]
	var cid CID
	copy(cid.Hash[:], payload[1:1+HashSize])
	offset := 1 + HashSize
	if flags&1 != 0 {
		if len(payload) < offset+KeySize {
			return nil, herr.New(herr.KindInvalidPath, "blob.DecodeNHash", errBadLen)
		}
		var key [KeySize]byte
		copy(key[:], payload[offset:offset+KeySize])
		cid.Key = &key
		offset += KeySize
	}
	var path []string
	if offset < len(payload) {
		path = strings.Split(string(payload[offset:]), "/")
	}
	return &DecodedNHash{CID: cid, Path: path}, nil
}

var errBadHRP = &hrpError{}

type hrpError struct{}

func (*hrpError) Error() string { return "not an nhash" }

// IsNpub reports whether s looks like a bech32 npub: the literal prefix
// "npub1" followed by bech32 characters, matching the pattern the gateway
// uses to distinguish an npub-prefixed path from an nhash one.
func IsNpub(s string) bool {
	if !strings.HasPrefix(s, "npub1") {
		return false
	}
	_, _, err := bech32.Decode(s)
	return err == nil
}
