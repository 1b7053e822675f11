// Package unixcrypt verifies passwords against Unix crypt(3) style hashes as
// found in adjunct maps: MD5 ($1$), SHA-256 ($5$), SHA-512 ($6$) and
// bcrypt ($2a$/$2b$/$2y$). Plain DES hashes are rejected outright; they are
// too weak to authenticate against.
package unixcrypt

import (
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/bcrypt"
)

// Verify reports whether password matches the given crypt hash. Unknown or
// malformed hash schemes verify as false, never as an error: a bad hash in a
// map must behave like a failed authentication.
func Verify(password, hash string) bool {
	// Plain DES: 13 bytes, no $ prefix.
	if len(hash) == 13 && !strings.HasPrefix(hash, "$") {
		return false
	}

	if strings.HasPrefix(hash, "$2a$") || strings.HasPrefix(hash, "$2b$") || strings.HasPrefix(hash, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}

	if !crypt.IsHashSupported(hash) {
		return false
	}
	return crypt.NewFromHash(hash).Verify(hash, []byte(password)) == nil
}
