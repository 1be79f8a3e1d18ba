// linktoken.go

// Emailed link tokens for account confirmation and password reset.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"strings"
)

// linkAlphabet is Crockford's base32: digits plus uppercase letters without I, L, O, U.
const linkAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// linkTokenLen is the encoded length of a 64-bit token.
const linkTokenLen = 13

var linkEncoding = base32.NewEncoding(linkAlphabet).WithPadding(base32.NoPadding)

// linkNormalizer folds the characters people commonly mistype back into the alphabet.
var linkNormalizer = strings.NewReplacer("-", "", "O", "0", "I", "1", "L", "1")

// GenerateLinkToken returns 64 random bits encoded as 13 Crockford base32 characters.
// Link tokens prove mailbox control only; they are never accepted as session credentials.
func GenerateLinkToken() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating link token: %w", err)
	}
	return linkEncoding.EncodeToString(b[:]), nil
}

// NormalizeLinkToken returns the canonical form of a user-supplied token,
// or false if it cannot be one this package generated.
func NormalizeLinkToken(s string) (string, bool) {
	s = linkNormalizer.Replace(strings.ToUpper(strings.TrimSpace(s)))
	if len(s) != linkTokenLen {
		return "", false
	}
	b, err := linkEncoding.DecodeString(s)
	if err != nil || len(b) != 8 {
		return "", false
	}
	// Reject non-zero trailing bits so each token has one spelling.
	if linkEncoding.EncodeToString(b) != s {
		return "", false
	}
	return s, true
}

// HashLinkToken returns the SHA-256 of a canonical token; only this is stored.
func HashLinkToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
