package signature

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Digest binds a signature to who signed, when, from where and under which
// license: base64(SHA-256(professional|RFC3339Nano(signedAt)|origin|license)).
func Digest(professionalID uuid.UUID, signedAt time.Time, origin, license string) string {
	payload := strings.Join([]string{
		professionalID.String(),
		signedAt.UTC().Format(time.RFC3339Nano),
		origin,
		license,
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Verify recomputes the digest of r and compares it in constant time.
func Verify(r *Record) bool {
	want := Digest(r.ProfessionalID, r.SignedAt, r.OriginAddress, r.LicenseNumber)
	return subtle.ConstantTimeCompare([]byte(want), []byte(r.Digest)) == 1
}
