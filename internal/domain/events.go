package domain

// Transport event names. Names and payload shapes are part of the
// external interface between client and relay.
const (
	// Client to server.
	EventSendMessage = "sendMessage"
	EventEditMessage = "editMessage"
	EventTyping      = "typing"

	// Server to client.
	EventNewMessage       = "newMessage"
	EventMessageEdited    = "messageEdited"
	EventKeyExchange      = "keyExchange"
	EventUserConnected    = "userConnected"
	EventUserDisconnected = "userDisconnected"
	EventUserTyping       = "userTyping"
	EventError            = "error"

	// Acknowledgment frames for client emits that expect one.
	EventAck = "ack"
)

// SendMessagePayload is emitted with EventSendMessage.
type SendMessagePayload struct {
	SenderID           UserID `json:"senderId"`
	ReceiverID         UserID `json:"receiverId"`
	Ciphertext         string `json:"encryptedMessage"`
	Nonce              string `json:"nonce"`
	SenderPublicKey    string `json:"senderPublicKey"`
	RecipientPublicKey string `json:"recipientPublicKey"`
}

// EditMessagePayload is emitted with EventEditMessage.
type EditMessagePayload struct {
	MessageID          string `json:"messageId"`
	SenderID           UserID `json:"senderId"`
	Ciphertext         string `json:"encryptedMessage"`
	Nonce              string `json:"nonce"`
	SenderPublicKey    string `json:"senderPublicKey"`
	RecipientPublicKey string `json:"recipientPublicKey"`
}

// TypingPayload is emitted with EventTyping.
type TypingPayload struct {
	SenderID   UserID `json:"senderId"`
	ReceiverID UserID `json:"receiverId"`
}

// SendAck is the relay's acknowledgment of EventSendMessage.
type SendAck struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
}

// KeyExchangePayload carries the public key the relay holds for you.
type KeyExchangePayload struct {
	PublicKey string `json:"publicKey"`
}

// PresencePayload carries EventUserConnected, EventUserDisconnected
// and EventUserTyping.
type PresencePayload struct {
	UserID UserID `json:"userId"`
}

// ErrorPayload carries EventError.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
