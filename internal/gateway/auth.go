package gateway

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"strings"
)

// HashToken derives the stored form of a gateway token. Tokens never persist
// in the clear; config keeps only the salt and this hash.
func HashToken(token, salt string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}

// NewSalt returns a fresh random salt for token hashing.
func NewSalt() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// VerifyToken compares a presented token against the stored salted hash in
// constant time.
func VerifyToken(token, salt, wantHash string) bool {
	if token == "" || wantHash == "" {
		return false
	}
	got := HashToken(token, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantHash)) == 1
}

// isLoopback reports whether the remote address is a loopback peer.
// Loopback clients may skip the token when none is configured.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
