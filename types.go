package nexus

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Sender identifies who authored a conversation message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderBot   Sender = "bot"
	SenderAdmin Sender = "admin"
)

// Role is the publisher-side counterpart of Sender, carried on outbound
// send commands.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// ============================================================================
// Auth API Types
// ============================================================================

type AuthRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Role     string `json:"role,omitempty"`
}

type AuthResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// ============================================================================
// Chat API Types
// ============================================================================

// ChatReply is the synchronous response to a chat submit. The reconciliation
// engine uses it only as the fallback candidate when no push arrives in time.
type ChatReply struct {
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// SupportTopic is one entry of the guided-support menu.
type SupportTopic struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Response string `json:"response"`
}

// TicketMessage is one persisted message of a support ticket.
type TicketMessage struct {
	Sender         string `json:"sender"`
	MessageContent string `json:"messageContent"`
	Timestamp      string `json:"timestamp"`
}

// SupportTicket is the server-side conversation record.
type SupportTicket struct {
	TicketID  string          `json:"ticketId"`
	UserID    string          `json:"userId"`
	CreatedAt string          `json:"createdAt"`
	Status    string          `json:"status"`
	Messages  []TicketMessage `json:"messages"`
}

// ============================================================================
// Device API Types
// ============================================================================

type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateDeviceRequest struct {
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// ============================================================================
// Monitoring API Types
// ============================================================================

type HourlyConsumption struct {
	HourTimestamp string  `json:"hourTimestamp"`
	Consumption   float64 `json:"consumption"`
}

type DailyConsumption struct {
	DeviceID           string              `json:"deviceId"`
	Date               string              `json:"date"`
	TotalConsumption   float64             `json:"totalConsumption"`
	HourlyConsumptions []HourlyConsumption `json:"hourlyConsumptions"`
}

// ============================================================================
// Pushed Event Payloads
// ============================================================================

// ChatEvent is the authoritative chat message pushed on chat.<userId> and
// chat.admin topics. Timestamps are ISO-8601 strings.
type ChatEvent struct {
	TicketID  string `json:"ticketId"`
	UserID    string `json:"userId"`
	Sender    Sender `json:"sender"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// ConsumptionReading is a per-device realtime reading pushed on
// consumption.<deviceId>.
type ConsumptionReading struct {
	DeviceID      string  `json:"deviceId"`
	Timestamp     string  `json:"timestamp"`
	Consumption   float64 `json:"consumption"`
	HourTimestamp string  `json:"hourTimestamp"`
	HourlyTotal   float64 `json:"hourlyTotal"`
}

// OverconsumptionAlert is pushed on notifications.device.<deviceId> when a
// device exceeds its threshold.
type OverconsumptionAlert struct {
	DeviceID           string  `json:"deviceId"`
	UserID             string  `json:"userId,omitempty"`
	DeviceName         string  `json:"deviceName"`
	CurrentConsumption float64 `json:"currentConsumption"`
	Threshold          float64 `json:"threshold"`
	Timestamp          string  `json:"timestamp"`
	Message            string  `json:"message"`
}

// ============================================================================
// Outbound Publish Payload
// ============================================================================

// SendCommand is the JSON body carried to the app.sendMessage destination.
// Exactly one of UserID or TicketID is set depending on the role.
type SendCommand struct {
	UserID   string `json:"userId,omitempty"`
	TicketID string `json:"ticketId,omitempty"`
	Message  string `json:"message"`
	Role     Role   `json:"role"`
}
