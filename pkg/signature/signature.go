// Package signature signs and verifies webhook and provider requests.
//
// The HMAC scheme covers a canonical string of the form
//
//	METHOD\nPATH\nTIMESTAMP\nhex(sha256(body))
//
// and is sent as a lowercase hex digest next to a unix-seconds timestamp.
package signature

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Residenza-Signature"
	HeaderTimestamp = "X-Residenza-Timestamp"
)

var (
	ErrMissingSignature = errors.New("signature header missing")
	ErrMissingTimestamp = errors.New("timestamp header missing")
	ErrTimestampSkew    = errors.New("timestamp outside tolerance")
	ErrMismatch         = errors.New("signature mismatch")
)

// BodyHash returns the lowercase hex sha256 of body.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Digest returns the RFC 3230 style digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// Canonical builds the string covered by the HMAC signature.
func Canonical(method, path, timestamp string, body []byte) string {
	return strings.Join([]string{strings.ToUpper(method), path, timestamp, BodyHash(body)}, "\n")
}

// SignHMAC returns the hex HMAC-SHA256 of the canonical request string.
func SignHMAC(secret, method, path, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Canonical(method, path, timestamp, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a signed request. now is injected so callers can test skew.
func VerifyHMAC(secret, method, path string, body []byte, signatureHeader, timestampHeader string, tolerance time.Duration, now time.Time) error {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		return ErrMissingSignature
	}
	timestampHeader = strings.TrimSpace(timestampHeader)
	if timestampHeader == "" {
		return ErrMissingTimestamp
	}
	unix, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrTimestampSkew
		}
	}

	expected := SignHMAC(secret, method, path, timestampHeader, body)
	got := strings.TrimPrefix(strings.ToLower(signatureHeader), "sha256=")
	if !hmac.Equal([]byte(expected), []byte(got)) {
		return ErrMismatch
	}
	return nil
}

// ParseRSAPrivateKey decodes a PEM encoded PKCS#8 or PKCS#1 RSA key.
func ParseRSAPrivateKey(pemData []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("invalid PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return rsaKey, nil
}

// SignRSA returns the base64 RSA-SHA256 PKCS#1 v1.5 signature of message.
func SignRSA(key *rsa.PrivateKey, message string) (string, error) {
	if key == nil {
		return "", errors.New("private key required")
	}
	h := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyRSA checks a base64 RSA-SHA256 signature.
func VerifyRSA(pub *rsa.PublicKey, message, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMismatch, err)
	}
	h := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
		return ErrMismatch
	}
	return nil
}

// SignToken returns the hex HMAC-SHA256 of value. Used for tokens embedded in
// callback URLs where the caller cannot set headers.
func SignToken(secret, value string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a token produced by SignToken.
func VerifyToken(secret, value, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrMissingSignature
	}
	if !hmac.Equal([]byte(SignToken(secret, value)), []byte(strings.ToLower(token))) {
		return ErrMismatch
	}
	return nil
}
