package domain

import "time"

// Tenant is a customer organization mapped to its own cloud account.
type Tenant struct {
	ID             string    `json:"id"`
	Slug           string    `json:"slug"`
	Name           string    `json:"name"`
	CloudAccountID string    `json:"cloud_account_id"`
	Region         string    `json:"region"`
	RoleARN        string    `json:"role_arn"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// ExternalIDSealed holds the AES-GCM sealed external-id. The plaintext
	// is returned exactly once at creation time and never serialized again.
	ExternalIDSealed []byte `json:"-"`
}
