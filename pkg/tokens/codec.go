// Package tokens encodes and verifies the signed approval capabilities that are
// emailed to sanction approvers. A token names one action on one subject for one
// approver; it carries no expiry because links are routinely used days later.
// Single use is enforced by the workflow that consumes the token, not here.
package tokens

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const keyInfo = "approval-token/v1"

var (
	// ErrMalformed is returned for tokens that are not well-formed or carry incomplete claims.
	ErrMalformed = errors.New("tokens: malformed token")
	// ErrSignature is returned when the integrity tag does not verify.
	ErrSignature = errors.New("tokens: signature mismatch")
)

// Claims is the payload carried by an approval token.
type Claims struct {
	Action     string `json:"act" validate:"required"`
	SubjectID  string `json:"sid" validate:"required"`
	ApproverID string `json:"aid" validate:"required"`
	jwt.RegisteredClaims
}

// Codec issues and decodes approval tokens with a key derived from the process secret.
type Codec struct {
	key    []byte
	now    func() time.Time
	parser *jwt.Parser
}

// NewCodec derives the signing key from secret. An empty secret is rejected.
func NewCodec(secret string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("tokens: signing secret missing")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("tokens: derive key: %w", err)
	}
	return &Codec{
		key: key,
		now: time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithStrictDecoding(),
		),
	}, nil
}

// Issue returns an opaque, URL-safe token for action on subjectID by approverID.
// Every call yields a distinct token, so reissued tokens never equal earlier ones.
func (c *Codec) Issue(action, subjectID, approverID string) (string, error) {
	if action == "" || subjectID == "" || approverID == "" {
		return "", fmt.Errorf("%w: action, subject and approver are required", ErrMalformed)
	}
	claims := Claims{
		Action:     action,
		SubjectID:  subjectID,
		ApproverID: approverID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(c.now().UTC()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("tokens: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies raw and returns its claims.
func (c *Codec) Decode(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}
	claims := &Claims{}
	token, err := c.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, fmt.Errorf("%w: %v", ErrSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !token.Valid {
		return nil, ErrSignature
	}
	if claims.Action == "" || claims.SubjectID == "" || claims.ApproverID == "" {
		return nil, fmt.Errorf("%w: incomplete claims", ErrMalformed)
	}
	return claims, nil
}
