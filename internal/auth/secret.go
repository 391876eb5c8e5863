package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// refreshTokenBytes gives refresh tokens 256 bits of entropy.
const refreshTokenBytes = 32

// MinSecretLen is the shortest client secret accepted.
const MinSecretLen = 16

// RandomToken returns byteLen random bytes encoded as unpadded base64url.
func RandomToken(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// HashToken returns the hex SHA-256 digest of a token. Tokens are only
// ever persisted and looked up in this form.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// HashSecret returns the bcrypt hash of a client secret. The secret is
// pre-hashed with SHA-256 so secrets longer than bcrypt's 72 byte input
// limit are not silently truncated.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(HashToken(secret)), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// checkSecret reports whether secret matches a hash from HashSecret.
func checkSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(HashToken(secret))) == nil
}

// dummySecretHash is compared against when the client does not exist so
// an unknown client_id costs the same bcrypt work as a wrong secret.
var dummySecretHash = func() string {
	h, err := HashSecret(RandomToken(refreshTokenBytes))
	if err != nil {
		panic("bcrypt failed: " + err.Error())
	}
	return h
}()
