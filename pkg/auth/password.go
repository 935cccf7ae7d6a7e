package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashPasswordWithSalt creates a SHA-256 hash of the password combined with the salt
func HashPasswordWithSalt(password, salt string) string {
	hasher := sha256.New()
	hasher.Write([]byte(password + salt))
	return hex.EncodeToString(hasher.Sum(nil))
}

// RandomHex generates a random hexadecimal string of n bytes
func RandomHex(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// GenerateHashAndSalt creates a new random salt and hashes the password with it
func GenerateHashAndSalt(password string) (hash string, salt string) {
	salt, _ = RandomHex(16)
	hash = HashPasswordWithSalt(password, salt)
	return
}

// Verify reports whether password hashes to hash under salt. The comparison
// runs in constant time.
func Verify(password, salt, hash string) bool {
	got := HashPasswordWithSalt(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}

// CheckCredentials compares a presented user and password against the
// configured ones without leaking which part mismatched.
func CheckCredentials(user, password, wantUser, salt, hash string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) == 1
	passOK := Verify(password, salt, hash)
	return userOK && passOK
}
