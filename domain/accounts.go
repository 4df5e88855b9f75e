package domain

import (
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Account is a local user: one fediverse actor per account
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	AvatarURL     string
	Bot           bool
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time

	// per-recipient federation policy
	DropDMFromUnknown bool
	Email             string
	ChatWebhookURL    string
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s)", acc.Id, acc.Username, acc.CreatedAt)
}
