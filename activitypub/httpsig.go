package activitypub

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"

	"code.superseriousbusiness.org/httpsig"
)

// SignRequest signs an outgoing POST request with the given private key.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// SignGetRequest signs an outgoing GET request. No digest header, GETs
// carry no body.
func SignGetRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// VerifyRequest verifies the HTTP signature on an incoming request.
// Returns the actor URI derived from the keyId if valid, error otherwise
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	keyId := verifier.KeyId()

	// keyId is usually "https://example.com/users/alice#main-key";
	// the actor URI is the part before the fragment
	actorURI := strings.Split(keyId, "#")[0]

	return actorURI, nil
}

// RequestMeta preserves the signed parts of an inbox POST so signature
// verification can run later, at queue-drain time, long after the original
// connection is gone.
type RequestMeta struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Host    string              `json:"host"`
	Headers map[string][]string `json:"headers"`
}

// CaptureRequestMeta snapshots an incoming request for deferred verification
func CaptureRequestMeta(r *http.Request) *RequestMeta {
	headers := make(map[string][]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = v
	}
	return &RequestMeta{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Host:    r.Host,
		Headers: headers,
	}
}

func (m *RequestMeta) Marshal() string {
	b, _ := json.Marshal(m)
	return string(b)
}

func UnmarshalRequestMeta(s string) (*RequestMeta, error) {
	var m RequestMeta
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to parse request metadata: %w", err)
	}
	return &m, nil
}

// VerifyStoredRequest reconstructs the original request from its stored
// metadata and verifies the signature against the given public key
func VerifyStoredRequest(meta *RequestMeta, body []byte, publicKeyPem string) (string, error) {
	req, err := http.NewRequest(meta.Method, "https://"+meta.Host+meta.Path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to rebuild request: %w", err)
	}
	req.Host = meta.Host
	for k, values := range meta.Headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	return VerifyRequest(req, publicKeyPem)
}

// Digest computes the Digest header value for a request body
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// CheckDigest validates a declared Digest header against the actual body.
// An absent header passes; a present one must match.
func CheckDigest(declared string, body []byte) bool {
	if declared == "" {
		return true
	}
	return strings.EqualFold(declared, Digest(body))
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
