// Package transport defines the chat transport client used by the session
// registry and the bridge-backed implementation of it.
package transport

import (
	"context"
	"strings"

	"chatbridge/internal/domain"
)

type EventType string

const (
	EventMessage      EventType = "message"
	EventDisconnected EventType = "disconnected"
	EventRevoked      EventType = "revoked"
)

// Event is something the transport reports about a live session.
type Event struct {
	Type    EventType
	Message *domain.InboundMessage
}

type ChallengeKind string

const (
	ChallengeQR          ChallengeKind = "qr"
	ChallengePairingCode ChallengeKind = "pairing_code"
	ChallengePhoneCode   ChallengeKind = "phone_code"
)

// Challenge is what the user must act on to finish authentication: a QR
// payload to scan, a pairing code to type on the phone, or a notice that a
// code was sent to the phone.
type Challenge struct {
	Kind  ChallengeKind `json:"kind"`
	Value string        `json:"value,omitempty"`
}

// AuthParams are the channel-specific parameters of a session. Credential is
// set when restoring a previously authenticated session.
type AuthParams struct {
	Method      domain.AuthMethod `json:"method,omitempty"`
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	APIID       string            `json:"apiId,omitempty"`
	APIHash     string            `json:"apiHash,omitempty"`
	Credential  string            `json:"credential,omitempty"`
}

type ConnectResult struct {
	Authenticated bool
	Challenge     *Challenge
}

// Client is one transport connection bound to one session.
type Client interface {
	// Connect authenticates with stored credentials or starts a challenge.
	Connect(ctx context.Context) (*ConnectResult, error)
	// Verify submits the user's answer to a pending challenge.
	Verify(ctx context.Context, code string) error
	Send(ctx context.Context, chatID, text string) (messageID string, err error)
	Typing(ctx context.Context, chatID string) error
	// Events is closed after Close.
	Events() <-chan Event
	// Credential returns the latest credential material to persist.
	Credential() string
	Logout(ctx context.Context) error
	Close() error
}

// Factory creates clients for one channel.
type Factory interface {
	NewClient(sessionID string, auth AuthParams) (Client, error)
}

// ValidateAuth checks that the parameters required by the channel are set.
func ValidateAuth(ch domain.Channel, p AuthParams) error {
	var missing []string
	switch ch {
	case domain.ChannelWhatsApp:
		switch p.Method {
		case domain.AuthQR:
		case domain.AuthPairing:
			if strings.TrimSpace(p.PhoneNumber) == "" {
				missing = append(missing, "phoneNumber")
			}
		case "":
			missing = append(missing, "authMethod")
		default:
			return domain.NewError(domain.ErrValidation, "validate auth",
				"authMethod must be qr or pairing", nil)
		}
	case domain.ChannelTelegram:
		if strings.TrimSpace(p.APIID) == "" {
			missing = append(missing, "apiId")
		}
		if strings.TrimSpace(p.APIHash) == "" {
			missing = append(missing, "apiHash")
		}
		if strings.TrimSpace(p.PhoneNumber) == "" {
			missing = append(missing, "phoneNumber")
		}
	default:
		return domain.NewError(domain.ErrValidation, "validate auth", "unknown channel "+string(ch), nil)
	}
	if len(missing) > 0 {
		return domain.NewError(domain.ErrValidation, "validate auth",
			"missing required fields: "+strings.Join(missing, ", "), nil)
	}
	return nil
}
