package domain

import (
	"fmt"
	"time"
)

// Channel identifies one of the two supported chat transports.
type Channel string

const (
	// ChannelWhatsApp authenticates with a QR payload or a pairing code.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelTelegram authenticates with a one-time phone code.
	ChannelTelegram Channel = "telegram"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelWhatsApp, ChannelTelegram}

func (c Channel) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelTelegram
}

func (c Channel) String() string { return string(c) }

// ParseChannel converts a path segment or config key into a Channel.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", NewError(ErrValidation, "parse channel", fmt.Sprintf("unknown channel %q", s), nil)
	}
	return c, nil
}

// Account is a tenant. Created out-of-band and never deleted by the core.
type Account struct {
	ID        string    `json:"accountId"`
	Tier      string    `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
}

// CredentialRecord holds the AI-service key an account brings.
type CredentialRecord struct {
	AccountID string    `json:"accountId"`
	APIKey    string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuthMethod is how a whatsapp session proves ownership of the phone.
type AuthMethod string

const (
	AuthQR      AuthMethod = "qr"
	AuthPairing AuthMethod = "pairing"
)

// SessionRecord is the persisted half of a session. AccountID never changes
// after creation.
type SessionRecord struct {
	SessionID   string     `json:"sessionId"`
	Channel     Channel    `json:"channel"`
	AccountID   string     `json:"accountId"`
	Credential  string     `json:"-"`
	AuthMethod  AuthMethod `json:"authMethod,omitempty"`
	PhoneNumber string     `json:"phoneNumber,omitempty"`
	APIID       string     `json:"apiId,omitempty"`
	APIHash     string     `json:"-"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// SessionState is the lifecycle position of a live session.
type SessionState string

const (
	StateUninitialized       SessionState = "uninitialized"
	StatePendingVerification SessionState = "pending_verification"
	StateAuthenticated       SessionState = "authenticated"
	StateClosed              SessionState = "closed"
)

// ConversationKey scopes aggregation and history to one chat of one account
// on one channel.
type ConversationKey struct {
	AccountID string  `json:"accountId"`
	ChatID    string  `json:"chatId"`
	Channel   Channel `json:"channel"`
}

func (k ConversationKey) String() string {
	return k.AccountID + ":" + k.ChatID + ":" + string(k.Channel)
}
