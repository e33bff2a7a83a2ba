package models

import (
	"fmt"
	"strings"
)

// TokenVerb is the decision an approval token carries.
type TokenVerb string

const (
	TokenVerbApprove TokenVerb = "approve"
	TokenVerbReject  TokenVerb = "reject"
)

// TokenAction names one (verb, sanction family) pair, e.g. approve_embargo.
type TokenAction string

// NewTokenAction composes the action string for verb on family.
func NewTokenAction(verb TokenVerb, family SanctionType) TokenAction {
	return TokenAction(string(verb) + "_" + string(family))
}

// ParseTokenAction splits an action into its verb and sanction family.
func ParseTokenAction(raw string) (TokenVerb, SanctionType, error) {
	verb, family, ok := strings.Cut(raw, "_")
	if !ok || family == "" {
		return "", "", fmt.Errorf("malformed token action %q", raw)
	}
	switch TokenVerb(verb) {
	case TokenVerbApprove, TokenVerbReject:
	default:
		return "", "", fmt.Errorf("unsupported token verb %q", verb)
	}
	return TokenVerb(verb), SanctionType(family), nil
}

// TokenStatus reports how a dispatched token was handled.
type TokenStatus string

const (
	TokenStatusApplied          TokenStatus = "applied"
	TokenStatusAlreadyApproved  TokenStatus = "already_approved"
	TokenStatusAlreadyRejected  TokenStatus = "already_rejected"
	TokenStatusAlreadyCompleted TokenStatus = "already_completed"
)
