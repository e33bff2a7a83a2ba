package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// SessionClaims represents the bearer session issued by the authentication service.
type SessionClaims struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	IsModerator bool   `json:"is_moderator"`
	jwt.RegisteredClaims
}

// Actor identifies who fires a trigger.
type Actor struct {
	ID          string
	IsModerator bool
	IsSystem    bool
}

// SystemActorID marks transitions driven by the reconciliation sweep.
const SystemActorID = "system"

// SystemActor is used for time-triggered transitions.
func SystemActor() Actor {
	return Actor{ID: SystemActorID, IsSystem: true}
}

// ActorFromClaims converts a session into an actor.
func ActorFromClaims(claims *SessionClaims) Actor {
	if claims == nil {
		return Actor{}
	}
	return Actor{ID: claims.UserID, IsModerator: claims.IsModerator}
}
