package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

// Fingerprint is the compact key space for canonical IDs: a stable hash of
// the IRI, usable as a filename-safe shorthand. It is deliberately a distinct
// type from the IRI itself so the two key spaces cannot be mixed up.
type Fingerprint string

// FingerprintOf maps a canonical ID into the fingerprint key space
func FingerprintOf(canonicalID string) Fingerprint {
	h := sha256.Sum256([]byte(canonicalID))
	return Fingerprint(hex.EncodeToString(h[:16]))
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

// UserAgent identifies outgoing federation requests
func UserAgent() string {
	return fmt.Sprintf("%s/%s ActivityPub", Name, GetVersion())
}

func DateTimeFormat() string {
	return "2006-01-02 15:04:05 CEST"
}

// IsoDate formats a time the way ActivityPub peers expect
func IsoDate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

func GeneratePemKeypair() *RsaKeyPair {
	bitSize := 4096

	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		panic(err)
	}

	pub := key.Public()

	keyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		},
	)

	pubPEM, err := x509.MarshalPKIXPublicKey(pub.(*rsa.PublicKey))
	if err != nil {
		panic(err)
	}

	pubBlock := pem.EncodeToMemory(
		&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubPEM,
		},
	)

	return &RsaKeyPair{Private: string(keyPEM[:]), Public: string(pubBlock[:])}
}
