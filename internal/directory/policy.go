package directory

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

// PasswordPolicy is applied when a user replaces an expired password.
type PasswordPolicy struct {
	MinLength  int
	MinEntropy float64 // bits
}

// DefaultPasswordPolicy requires 8 characters and roughly 40 bits of entropy.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{MinLength: 8, MinEntropy: 40}
}

// Check returns a user-facing reason when password violates the policy.
func (p PasswordPolicy) Check(username, oldPassword, password string) error {
	if len(password) < p.MinLength {
		return fmt.Errorf("The password is too short, at least %d characters are needed", p.MinLength)
	}
	if password == oldPassword {
		return fmt.Errorf("The new password must differ from the old one")
	}
	if username != "" && strings.Contains(strings.ToLower(password), strings.ToLower(username)) {
		return fmt.Errorf("The password must not contain the username")
	}
	if runRepeats(password) {
		return fmt.Errorf("The password contains too many repeated characters")
	}
	if e := entropy(password); e < p.MinEntropy {
		return fmt.Errorf("The password is too simple (%.0f bits of entropy, %.0f required)", e, p.MinEntropy)
	}
	return nil
}

// entropy estimates length * log2(charset) from the character classes used.
func entropy(password string) float64 {
	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	charset := 0
	if lower {
		charset += 26
	}
	if upper {
		charset += 26
	}
	if digit {
		charset += 10
	}
	if other {
		charset += 33
	}
	if charset == 0 {
		return 0
	}
	return float64(len([]rune(password))) * math.Log2(float64(charset))
}

// runRepeats reports three or more identical characters in a row.
func runRepeats(password string) bool {
	rs := []rune(password)
	for i := 0; i+2 < len(rs); i++ {
		if rs[i] == rs[i+1] && rs[i] == rs[i+2] {
			return true
		}
	}
	return false
}
