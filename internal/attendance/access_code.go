package attendance

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
)

var (
	// ErrInvalidCodeHash reports a stored access code hash that does not
	// match the expected encoding.
	ErrInvalidCodeHash = errors.New("attendance: invalid access code hash format")
	// ErrCodeMismatch reports a presented code that does not match the hash.
	ErrCodeMismatch = errors.New("attendance: access code mismatch")
)

type argon2idParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

// Access codes are short-lived and low-entropy, so the cost parameters stay
// below interactive-login settings.
var codeHashParams = argon2idParams{
	memory:      32 * 1024,
	iterations:  2,
	parallelism: 1,
	saltLength:  16,
	keyLength:   32,
}

// HashAccessCode derives the stored form of an activity access code.
func HashAccessCode(code string) (string, error) {
	salt := make([]byte, codeHashParams.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(code), salt, codeHashParams.iterations, codeHashParams.memory, codeHashParams.parallelism, codeHashParams.keyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Hash := base64.RawStdEncoding.EncodeToString(hash)

	// Format is $argon2id$v=19$m=...,t=...,p=...$salt$hash
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, codeHashParams.memory, codeHashParams.iterations, codeHashParams.parallelism, b64Salt, b64Hash), nil
}

// VerifyAccessCode checks a presented code against its stored hash.
func VerifyAccessCode(hashedCode, code string) error {
	parts := strings.Split(hashedCode, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return ErrInvalidCodeHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return ErrInvalidCodeHash
	}
	if version != argon2.Version {
		return ErrInvalidCodeHash
	}

	var params argon2idParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.iterations, &params.parallelism); err != nil {
		return ErrInvalidCodeHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return ErrInvalidCodeHash
	}
	stored, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return ErrInvalidCodeHash
	}

	computed := argon2.IDKey([]byte(code), salt, params.iterations, params.memory, params.parallelism, uint32(len(stored)))
	if subtle.ConstantTimeCompare(stored, computed) == 1 {
		return nil
	}
	return ErrCodeMismatch
}

// GenerateAccessCode produces a fixed-length random decimal code. Codes are
// generated per activity with no cross-activity uniqueness check; a collision
// is harmless here because code-based check-in always names the activity.
func GenerateAccessCode(length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	var b strings.Builder
	for i := 0; i < length; i++ {
		digit, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%d", digit.Int64())
	}
	return b.String(), nil
}
