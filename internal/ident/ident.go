package ident

import (
	"crypto/md5" // #nosec G501 -- identifiers, not secrets
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a process-unique identifier: the hex MD5 digest of a fresh
// random (v4) UUID. The result is 32 lowercase hex characters.
func New() string {
	sum := md5.Sum([]byte(uuid.NewString())) // #nosec G401
	return hex.EncodeToString(sum[:])
}
