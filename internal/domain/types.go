package domain

import "time"

// UserID identifies a registered user.
type UserID string

// String returns the string form of the user id.
func (u UserID) String() string { return string(u) }

// KeyPair is one user's asymmetric key pair. The public half is
// advertised to the relay; the secret half never leaves the client.
type KeyPair struct {
	PublicKey []byte    `json:"public_key"`
	SecretKey []byte    `json:"secret_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the pair is older than ttl.
func (k KeyPair) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(k.CreatedAt) > ttl
}

// TokenPair is the access/refresh token pair issued by the relay.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Empty reports whether no tokens are held.
func (t TokenPair) Empty() bool { return t.AccessToken == "" && t.RefreshToken == "" }

// Message is a chat message as held by the client.
//
// Any message that arrived over the network carries Ciphertext, Nonce
// and SenderPublicKey (base64, like every other key field on the
// wire). Plaintext is populated only after a successful decrypt and is
// never serialised.
type Message struct {
	ID                 string    `json:"id"`
	SenderID           UserID    `json:"senderId"`
	ReceiverID         UserID    `json:"receiverId"`
	Ciphertext         string    `json:"encryptedMessage,omitempty"`
	Nonce              string    `json:"nonce,omitempty"`
	SenderPublicKey    string    `json:"senderPublicKey,omitempty"`
	RecipientPublicKey string    `json:"recipientPublicKey,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	IsEdited           bool      `json:"isEdited"`
	IsRead             bool      `json:"isRead"`

	Plaintext string `json:"-"`

	// Undecryptable marks a retained message whose ciphertext could
	// not be opened; Plaintext then holds a placeholder.
	Undecryptable bool `json:"-"`
}

// Between reports whether the message belongs to the conversation
// between a and b, in either direction.
func (m Message) Between(a, b UserID) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}

// MessageID is the tagged identity of a locally held message: either a
// client-generated provisional id awaiting server acknowledgment, or
// the server-confirmed canonical id.
type MessageID struct {
	value       string
	provisional bool
}

// NewProvisionalID tags value as a not-yet-acknowledged local id.
func NewProvisionalID(value string) MessageID {
	return MessageID{value: value, provisional: true}
}

// NewConfirmedID tags value as a server-assigned id.
func NewConfirmedID(value string) MessageID {
	return MessageID{value: value}
}

// Provisional reports whether the id is still awaiting acknowledgment.
func (id MessageID) Provisional() bool { return id.provisional }

// String returns the raw id value.
func (id MessageID) String() string { return id.value }

// ConnState is the lifecycle state of a transport session.
type ConnState int32

const (
	Connecting ConnState = iota
	Connected
	Disconnected
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// User is a registered user's public profile.
type User struct {
	ID        UserID `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	PublicKey string `json:"publicKey,omitempty"`
}
