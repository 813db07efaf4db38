package subscription

import (
	"github.com/google/uuid"

	"github.com/lalithlochan/renewd/internal/preferences"
)

// Owner is the user a subscription belongs to, with their stored notification preferences.
type Owner struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Email       string             `json:"email"`
	Phone       string             `json:"phone,omitempty"`
	Preferences preferences.Stored `json:"notification_preferences"`
}

// Contact returns the owner's fallback addresses.
func (o Owner) Contact() preferences.Contact {
	return preferences.Contact{Email: o.Email, Phone: o.Phone}
}

// Owned pairs a subscription with its owner, as returned by the active-subscription query.
type Owned struct {
	Subscription
	Owner Owner `json:"owner"`
}
