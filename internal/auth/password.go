// password.go

// Argon2i credential hashing and verification.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ArgonParams are the cost parameters written into every new hash.
// Verification always uses the parameters embedded in the stored hash,
// so changing these only affects hashes created afterwards.
type ArgonParams struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	SaltLen   uint32
	KeyLen    uint32
}

// DefaultArgonParams: t=10, p=1, m=4096 KiB, 64-byte salt, 32-byte digest.
var DefaultArgonParams = ArgonParams{
	Time:      10,
	MemoryKiB: 4096,
	Threads:   1,
	SaltLen:   64,
	KeyLen:    32,
}

// Upper bounds accepted when parsing a stored hash. A corrupted or hostile
// row must not be able to make a single verification allocate gigabytes.
const (
	maxArgonTime    = 64
	maxArgonMemory  = 1 << 20
	maxArgonThreads = 16
	minArgonSalt    = 8
	minArgonKey     = 16
	maxArgonKey     = 64
)

// ErrEmptySecret is returned by NewHasher when no hashing secret is configured.
var ErrEmptySecret = errors.New("hashing secret is empty")

// Hasher hashes and verifies passwords under a server-side secret.
// Safe for concurrent use; it holds no mutable state after construction.
type Hasher struct {
	secret []byte
	params ArgonParams
	dummy  string
}

// NewHasher returns a Hasher keyed with secret.
// It precomputes a dummy hash used by VerifyDummy.
func NewHasher(secret []byte, params ArgonParams) (*Hasher, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if params.Time == 0 || params.MemoryKiB == 0 || params.Threads == 0 ||
		params.SaltLen < minArgonSalt || params.KeyLen < minArgonKey || params.KeyLen > maxArgonKey {
		return nil, fmt.Errorf("invalid argon2 parameters: %+v", params)
	}

	h := &Hasher{secret: append([]byte(nil), secret...), params: params}
	dummy, err := h.Hash("dummy", "dummy-password-for-timing")
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}
	h.dummy = dummy
	return h, nil
}

// keyed binds the password to the server secret and to username.
// Output is HMAC-SHA-256(secret, len(username) || username || password).
func (h *Hasher) keyed(username, password string) []byte {
	mac := hmac.New(sha256.New, h.secret)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(username)))
	mac.Write(n[:])
	mac.Write([]byte(username))
	mac.Write([]byte(password))
	return mac.Sum(nil)
}

// Hash returns a self-describing Argon2i hash of password for username.
// Format: $argon2i$v=19$m=4096,t=10,p=1,data=<b64 username>$<b64 salt>$<b64 digest>
// Two calls with identical inputs return different strings.
func (h *Hasher) Hash(username, password string) (string, error) {
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	digest := argon2.Key(h.keyed(username, password), salt,
		h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLen)

	return fmt.Sprintf("$argon2i$v=%d$m=%d,t=%d,p=%d,data=%s$%s$%s",
		argon2.Version,
		h.params.MemoryKiB, h.params.Time, h.params.Threads,
		base64.RawStdEncoding.EncodeToString([]byte(username)),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// Verify reports whether password matches encoded.
// Any malformed or out-of-range hash yields false.
func (h *Hasher) Verify(encoded, password string) bool {
	p, err := parseHash(encoded)
	if err != nil {
		return false
	}
	digest := argon2.Key(h.keyed(p.username, password), p.salt,
		p.time, p.memory, p.threads, uint32(len(p.digest)))
	return subtle.ConstantTimeCompare(digest, p.digest) == 1
}

// VerifyDummy runs a full verification against a throwaway hash so a
// lookup miss costs the same as a password mismatch. The result is discarded.
func (h *Hasher) VerifyDummy(password string) {
	h.Verify(h.dummy, password)
}

type parsedHash struct {
	time     uint32
	memory   uint32
	threads  uint8
	username string
	salt     []byte
	digest   []byte
}

func parseHash(encoded string) (*parsedHash, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" {
		return nil, errors.New("invalid hash format")
	}
	if parts[1] != "argon2i" {
		return nil, errors.New("unsupported algorithm")
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, errors.New("unsupported argon2 version")
	}

	var p parsedHash
	var haveM, haveT, haveP, haveData bool
	for _, kv := range strings.Split(parts[3], ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, errors.New("malformed parameter")
		}
		switch key {
		case "m":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil || n == 0 || n > maxArgonMemory {
				return nil, errors.New("bad memory parameter")
			}
			p.memory, haveM = uint32(n), true
		case "t":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil || n == 0 || n > maxArgonTime {
				return nil, errors.New("bad time parameter")
			}
			p.time, haveT = uint32(n), true
		case "p":
			n, err := strconv.ParseUint(val, 10, 8)
			if err != nil || n == 0 || n > maxArgonThreads {
				return nil, errors.New("bad parallelism parameter")
			}
			p.threads, haveP = uint8(n), true
		case "data":
			b, err := base64.RawStdEncoding.DecodeString(val)
			if err != nil {
				return nil, errors.New("bad data parameter")
			}
			p.username, haveData = string(b), true
		default:
			return nil, errors.New("unknown parameter")
		}
	}
	if !haveM || !haveT || !haveP || !haveData {
		return nil, errors.New("missing parameter")
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil || len(p.salt) < minArgonSalt {
		return nil, errors.New("bad salt")
	}
	if p.digest, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil || len(p.digest) < minArgonKey || len(p.digest) > maxArgonKey {
		return nil, errors.New("bad digest")
	}
	return &p, nil
}
