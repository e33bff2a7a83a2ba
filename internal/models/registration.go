package models

import "time"

// Registration is the frozen research record a sanction acts upon.
type Registration struct {
	ID           string     `db:"id" json:"id"`
	Title        string     `db:"title" json:"title"`
	ProviderID   string     `db:"provider_id" json:"providerId"`
	IsModerated  bool       `db:"is_moderated" json:"isModerated"`
	IsPublic     bool       `db:"is_public" json:"isPublic"`
	IsWithdrawn  bool       `db:"is_withdrawn" json:"isWithdrawn"`
	IsDeleted    bool       `db:"is_deleted" json:"isDeleted"`
	AdminIDs     []string   `db:"-" json:"adminIds"`
	WithdrawnAt  *time.Time `db:"withdrawn_at" json:"withdrawnAt,omitempty"`
	DateModified time.Time  `db:"date_modified" json:"dateModified"`
}

// RegistrationVisibility groups the registration columns sanctions may change.
type RegistrationVisibility struct {
	IsPublic    *bool
	IsWithdrawn *bool
}
