// validate.go -- Registration input rules.
package auth

import (
	netmail "net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"
)

// Length bounds, inclusive, counted in characters.
const (
	nameMin     = 4
	nameMax     = 128
	emailMin    = 5
	emailMax    = 128
	usernameMin = 3
	usernameMax = 32
	passwordMin = 8
	passwordMax = 128
)

// RegisterInput is the body of a registration request.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func lengthBetween(s string, lo, hi int) bool {
	n := utf8.RuneCountInString(s)
	return lo <= n && n <= hi
}

// ValidName reports whether name is 4 to 128 characters.
func ValidName(name string) bool {
	return lengthBetween(name, nameMin, nameMax)
}

// ValidEmail reports whether email is 5 to 128 characters, a bare RFC 5322
// address, and addressed to a registrable domain under a public suffix.
func ValidEmail(email string) bool {
	if !lengthBetween(email, emailMin, emailMax) {
		return false
	}
	addr, err := netmail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return false
	}
	at := strings.LastIndexByte(email, '@')
	domain := strings.ToLower(email[at+1:])
	if domain == "" || strings.HasPrefix(domain, "[") {
		return false
	}
	if _, icann := publicsuffix.PublicSuffix(domain); !icann {
		return false
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	return err == nil && etld1 != ""
}

// ValidUsername reports whether username is 3 to 32 ASCII letters, digits, or underscores.
func ValidUsername(username string) bool {
	if !lengthBetween(username, usernameMin, usernameMax) {
		return false
	}
	for i := 0; i < len(username); i++ {
		c := username[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '_':
		default:
			return false
		}
	}
	return true
}

// ValidPassword reports whether password is 8 to 128 characters.
func ValidPassword(password string) bool {
	return lengthBetween(password, passwordMin, passwordMax)
}

// Validate checks fields in order name, email, username, password and
// returns the first failure, or nil.
func (in RegisterInput) Validate() *Error {
	switch {
	case !ValidName(in.Name):
		return InvalidInput(FieldName)
	case !ValidEmail(in.Email):
		return InvalidInput(FieldEmail)
	case !ValidUsername(in.Username):
		return InvalidInput(FieldUser)
	case !ValidPassword(in.Password):
		return InvalidInput(FieldPass)
	}
	return nil
}
