package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stockwatch-io/gateway/internal/quote"
)

// Client message types.
const (
	TypeSubscribe   = "subscribe_stocks"
	TypeUnsubscribe = "unsubscribe_stocks"
	TypePing        = "ping"
)

// Server message types.
const (
	TypeStockUpdate  = "stock_update"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeAlert        = "alert"
	TypeNotification = "notification"
	TypePong         = "pong"
	TypeError        = "error"
)

// Alert frame severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ClientMessage is the inbound envelope.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload carries the code list for subscribe and unsubscribe.
type SubscribePayload struct {
	TSCodes []string `json:"tsCodes"`
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// AckPayload confirms a subscription change.
type AckPayload struct {
	TSCodes []string `json:"tsCodes"`
	Total   int      `json:"total"`
}

// ErrorPayload reports a recoverable protocol error. The connection stays
// open; only auth and policy failures close it.
type ErrorPayload struct {
	Message string   `json:"message"`
	Codes   []string `json:"codes,omitempty"`
}

// AlertPayload is a severity-tagged server-originated message, independent
// of any rule.
type AlertPayload struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// NotificationPayload is an in-band alert raised by the session's rule
// engine against the live stream. ID is the rule that fired; the remaining
// fields ride along for richer clients.
type NotificationPayload struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	TSCode      string         `json:"tsCode"`
	StockName   string         `json:"stockName"`
	RuleName    string         `json:"ruleName"`
	AlertType   string         `json:"alertType"`
	TriggerData map[string]any `json:"triggerData"`
}

// ParseClientMessage decodes and minimally validates one inbound frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Type == "" {
		return ClientMessage{}, fmt.Errorf("message missing type")
	}
	return msg, nil
}

// Encode marshals a server message envelope with the current timestamp.
func Encode(msgType string, payload any) []byte {
	data, err := json.Marshal(ServerMessage{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		// Payloads are gateway-constructed; a marshal failure is a bug.
		panic(fmt.Sprintf("gateway: encode %s: %v", msgType, err))
	}
	return data
}

// EncodeQuote marshals a stock_update frame.
func EncodeQuote(q quote.Quote) []byte {
	return Encode(TypeStockUpdate, q)
}

// EncodeAlert marshals a severity-tagged alert frame.
func EncodeAlert(id int64, title, message, severity string) []byte {
	return Encode(TypeAlert, AlertPayload{
		ID:       id,
		Title:    title,
		Message:  message,
		Severity: severity,
	})
}

// EncodeError marshals an error frame.
func EncodeError(message string, codes []string) []byte {
	return Encode(TypeError, ErrorPayload{Message: message, Codes: codes})
}
