// Copyright 2026 OVA Tools contributors.
// Licensed under the AGPLv3, see LICENCE file for details.

package registryconf

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/juju/errors"
)

// GenerateSecret produces a new 32-character secret: 32 random bytes,
// base-64 encoded, hashed and truncated. Callers persist the result as
// a managed entry, so a secret is generated at most once per key.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Annotate(err, "reading random bytes")
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(encoded))
	return fmt.Sprintf("%x", sum)[:32], nil
}

// EnsureSecret adds key as a managed entry with a freshly generated
// secret if it is absent. The generation is lazy: nothing is generated
// when the key already exists.
func (d *Document) EnsureSecret(key string) (bool, error) {
	added, err := d.EnsureKey(key, GenerateSecret, true)
	return added, errors.Trace(err)
}
