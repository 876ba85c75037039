package services

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// MinSigningKeyBytes is the shortest HS256 key the service accepts.
const MinSigningKeyBytes = 32

var (
	ErrInvalidKeyID       = errors.New("invalid key id")
	ErrSigningKeyTooShort = fmt.Errorf("signing key must be at least %d bytes", MinSigningKeyBytes)
)

type TokenSignerFunc func(claims jwt.Claims) (string, error)

// TokenSigner signs access tokens with HS256. Keys are addressed by id so a
// new key can be introduced before the old one is retired; the id is written
// to the kid header.
type TokenSigner struct {
	defaultKeyID string
	keys         map[string][]byte
}

// NewTokenSigner creates a new Signer instance
func NewTokenSigner() *TokenSigner {
	return &TokenSigner{
		keys: make(map[string][]byte),
	}
}

// AddKey registers secret under keyID. The first key added becomes the
// default signing key.
func (s *TokenSigner) AddKey(keyID string, secret []byte) error {
	if len(secret) < MinSigningKeyBytes {
		return ErrSigningKeyTooShort
	}
	if keyID == "" {
		keyID = "default"
	}
	s.keys[keyID] = append([]byte(nil), secret...)
	if s.defaultKeyID == "" {
		s.defaultKeyID = keyID
	}
	return nil
}

func (s *TokenSigner) signer(keyID string) (TokenSignerFunc, error) {
	if keyID == "" {
		keyID = s.defaultKeyID
	}
	secret, ok := s.keys[keyID]
	if !ok {
		return nil, ErrInvalidKeyID
	}
	return func(claims jwt.Claims) (string, error) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		token.Header["kid"] = keyID

		tokenString, err := token.SignedString(secret)
		if err != nil {
			return "", fmt.Errorf("failed to sign token: %w", err)
		}

		return tokenString, nil
	}, nil
}

// Sign signs claims with keyID, or the default key when keyID is empty.
func (s *TokenSigner) Sign(claims jwt.Claims, keyID string) (string, error) {
	sign, err := s.signer(keyID)
	if err != nil {
		return "", err
	}
	return sign(claims)
}

// VerificationKey resolves the secret for a parsed token. Tokens without a kid
// are checked against the default key.
func (s *TokenSigner) VerificationKey(token *jwt.Token) (any, error) {
	keyID, _ := token.Header["kid"].(string)
	if keyID == "" {
		keyID = s.defaultKeyID
	}
	secret, ok := s.keys[keyID]
	if !ok {
		return nil, ErrInvalidKeyID
	}
	return secret, nil
}

// Empty reports whether no key has been added.
func (s *TokenSigner) Empty() bool { return len(s.keys) == 0 }
