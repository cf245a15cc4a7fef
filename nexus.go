// Package nexus provides the Go SDK for the NEXUS device dashboard platform.
//
// Covers the Auth, Chat, Device, and Monitoring HTTP APIs plus the realtime
// channel layer (publish/subscribe over WebSocket) with sub-module access
// pattern.
//
// Example:
//
//	tokens := nexus.NewMemoryTokenStore()
//	client := nexus.NewClient(tokens)
//
//	// Auth API
//	client.Auth().Login(ctx, &nexus.AuthRequest{Email: "...", Password: "..."})
//
//	// Chat API (HTTP fallback surface)
//	reply, _ := client.Chat().SendMessage(ctx, "Device not connecting")
//
//	// Realtime channel
//	ch := client.Realtime().Channel(nexus.ChannelChat, nil)
//	sub := ch.SubscribeUserChat(tokens.UserID(), func(ev nexus.ChatEvent) { ... })
//	defer sub.Release()
package nexus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBaseURL = "http://localhost"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	tokens     TokenStore
	httpClient *http.Client
	log        *logrus.Logger

	auth       *AuthClient
	chat       *ChatClient
	devices    *DeviceClient
	monitoring *MonitoringClient
	realtime   *RealtimeClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *logrus.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a new NEXUS client. tokens may be nil for a client that
// only calls unauthenticated endpoints.
func NewClient(tokens TokenStore, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.auth = &AuthClient{client: c}
	c.chat = &ChatClient{client: c}
	c.devices = &DeviceClient{client: c}
	c.monitoring = &MonitoringClient{client: c}
	c.realtime = &RealtimeClient{client: c}
	return c
}

// Auth returns the authentication API sub-client.
func (c *Client) Auth() *AuthClient { return c.auth }

// Chat returns the support chat API sub-client.
func (c *Client) Chat() *ChatClient { return c.chat }

// Devices returns the device API sub-client.
func (c *Client) Devices() *DeviceClient { return c.devices }

// Monitoring returns the monitoring API sub-client.
func (c *Client) Monitoring() *MonitoringClient { return c.monitoring }

// Realtime returns the realtime channel factory.
func (c *Client) Realtime() *RealtimeClient { return c.realtime }

// Tokens returns the client's token store.
func (c *Client) Tokens() TokenStore { return c.tokens }

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

type requestOptions struct {
	skipAuth bool
	headers  map[string]string
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string, opts *requestOptions) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	skipAuth := opts != nil && opts.skipAuth
	if !skipAuth && c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if opts != nil {
		for k, v := range opts.headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

// decodeError turns a non-2xx response into an *APIError.
func decodeError(status int, data []byte) error {
	var apiErr APIError
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
		if apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("HTTP_%d", status)
		}
		return &apiErr
	}
	return &APIError{Code: fmt.Sprintf("HTTP_%d", status), Message: http.StatusText(status)}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth API
// ============================================================================

// AuthClient handles login, registration, and credential lifecycle.
type AuthClient struct{ client *Client }

// Login authenticates and stores the returned token in the client's token
// store when it supports writes.
func (a *AuthClient) Login(ctx context.Context, req *AuthRequest) (*AuthResponse, error) {
	data, err := a.client.doRequest(ctx, "POST", "/api/auth/login", req, nil, &requestOptions{skipAuth: true})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[AuthResponse](data)
	if err != nil {
		return nil, err
	}
	a.store(res)
	return res, nil
}

// Register creates an account and stores the returned token.
func (a *AuthClient) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	data, err := a.client.doRequest(ctx, "POST", "/api/auth/register", req, nil, &requestOptions{skipAuth: true})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[AuthResponse](data)
	if err != nil {
		return nil, err
	}
	a.store(res)
	return res, nil
}

// Logout clears the stored credential. Local only; there is no server-side
// session to revoke.
func (a *AuthClient) Logout() {
	if s, ok := a.client.tokens.(*MemoryTokenStore); ok {
		s.Clear()
	}
}

func (a *AuthClient) store(res *AuthResponse) {
	if res == nil || res.Token == "" {
		return
	}
	if s, ok := a.client.tokens.(*MemoryTokenStore); ok {
		s.SetToken(res.Token, res.UserID)
	}
}

// ============================================================================
// Chat API
// ============================================================================

// ChatClient wraps the support chat HTTP surface. SendMessage doubles as the
// reconciliation engine's fallback submit path.
type ChatClient struct{ client *Client }

// SendMessage submits a chat message and returns the synchronous reply.
func (ch *ChatClient) SendMessage(ctx context.Context, message string) (*ChatReply, error) {
	opts := &requestOptions{}
	if ch.client.tokens != nil {
		if userID := ch.client.tokens.UserID(); userID != "" {
			opts.headers = map[string]string{"X-User-Id": userID}
		}
	}
	data, err := ch.client.doRequest(ctx, "POST", "/chat/send", map[string]string{"message": message}, nil, opts)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatReply](data)
}

// Topics returns the guided-support topic catalogue. On failure the static
// fallback catalogue is returned alongside the error so a conversation can
// still open.
func (ch *ChatClient) Topics(ctx context.Context) ([]SupportTopic, error) {
	data, err := ch.client.doRequest(ctx, "GET", "/chat/topics", nil, nil, nil)
	if err != nil {
		return FallbackTopics(), err
	}
	var topics []SupportTopic
	if err := json.Unmarshal(data, &topics); err != nil {
		return FallbackTopics(), fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(topics) == 0 {
		return FallbackTopics(), nil
	}
	return topics, nil
}

// PendingTickets lists tickets awaiting an operator (admin only).
func (ch *ChatClient) PendingTickets(ctx context.Context) ([]SupportTicket, error) {
	return ch.tickets(ctx, "/chat/admin/pending")
}

// ActiveTickets lists tickets with an operator attached (admin only).
func (ch *ChatClient) ActiveTickets(ctx context.Context) ([]SupportTicket, error) {
	return ch.tickets(ctx, "/chat/admin/active")
}

func (ch *ChatClient) tickets(ctx context.Context, path string) ([]SupportTicket, error) {
	data, err := ch.client.doRequest(ctx, "GET", path, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var tickets []SupportTicket
	if err := json.Unmarshal(data, &tickets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return tickets, nil
}

// Ticket fetches one ticket with its message history.
func (ch *ChatClient) Ticket(ctx context.Context, ticketID string) (*SupportTicket, error) {
	data, err := ch.client.doRequest(ctx, "GET", "/chat/admin/ticket/"+ticketID, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SupportTicket](data)
}

// SendAdminMessage submits an operator reply on a ticket.
func (ch *ChatClient) SendAdminMessage(ctx context.Context, ticketID, message string) (*ChatReply, error) {
	body := map[string]string{"ticketId": ticketID, "message": message}
	data, err := ch.client.doRequest(ctx, "POST", "/chat/admin/send", body, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatReply](data)
}

// ============================================================================
// Device API
// ============================================================================

// DeviceClient wraps device CRUD and user-device bindings.
type DeviceClient struct{ client *Client }

func (d *DeviceClient) List(ctx context.Context) ([]Device, error) {
	data, err := d.client.doRequest(ctx, "GET", "/device/get-all", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return devices, nil
}

func (d *DeviceClient) Get(ctx context.Context, id string) (*Device, error) {
	data, err := d.client.doRequest(ctx, "GET", "/device", nil, map[string]string{"id": id}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Device](data)
}

func (d *DeviceClient) Create(ctx context.Context, req *CreateDeviceRequest) (*Device, error) {
	data, err := d.client.doRequest(ctx, "POST", "/device", req, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Device](data)
}

func (d *DeviceClient) Update(ctx context.Context, device *Device) (*Device, error) {
	data, err := d.client.doRequest(ctx, "PUT", "/device", device, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Device](data)
}

func (d *DeviceClient) Delete(ctx context.Context, id string) error {
	_, err := d.client.doRequest(ctx, "DELETE", "/device", nil, map[string]string{"id": id}, nil)
	return err
}

// ListForUser returns the devices bound to a user.
func (d *DeviceClient) ListForUser(ctx context.Context, userID string) ([]Device, error) {
	data, err := d.client.doRequest(ctx, "GET", "/device/user-device", nil, map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return devices, nil
}

// BindToUser attaches a device to a user.
func (d *DeviceClient) BindToUser(ctx context.Context, userID, deviceID string) error {
	body := map[string]string{"userId": userID, "deviceId": deviceID}
	_, err := d.client.doRequest(ctx, "POST", "/device/user-device", body, nil, nil)
	return err
}

// UnbindFromUser detaches a device from a user.
func (d *DeviceClient) UnbindFromUser(ctx context.Context, userID, deviceID string) error {
	query := map[string]string{"userId": userID, "deviceId": deviceID}
	_, err := d.client.doRequest(ctx, "DELETE", "/device/user-device", nil, query, nil)
	return err
}

// ============================================================================
// Monitoring API
// ============================================================================

// MonitoringClient wraps the historical consumption surface. Realtime
// readings arrive over the monitoring channel, not here.
type MonitoringClient struct{ client *Client }

// DailyConsumption returns a device's hourly consumption for one day
// (date formatted YYYY-MM-DD).
func (m *MonitoringClient) DailyConsumption(ctx context.Context, deviceID, date string) (*DailyConsumption, error) {
	query := map[string]string{"deviceId": deviceID, "date": date}
	data, err := m.client.doRequest(ctx, "GET", "/monitoring/energy-consumption/daily", nil, query, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[DailyConsumption](data)
}

// ============================================================================
// Fallback topic catalogue
// ============================================================================

// FallbackTopics returns the built-in guided-support catalogue used when the
// topics endpoint is unreachable.
func FallbackTopics() []SupportTopic {
	return []SupportTopic{
		{
			ID:       "connection",
			Label:    "Device not connecting",
			Response: "Please ensure your device is powered on and within range of the Wi-Fi network. Try restarting the device by holding the power button for 5 seconds.",
		},
		{
			ID:       "readings",
			Label:    "Incorrect readings",
			Response: "Readings can lag by up to a minute. If values stay wrong, recalibrate the device from its settings page or contact support with the device id.",
		},
		{
			ID:       "billing",
			Label:    "Billing question",
			Response: "Your invoice reflects the consumption recorded by your devices. Detailed per-device breakdowns are available on the dashboard's monitoring tab.",
		},
		{
			ID:       "other",
			Label:    "Something else (talk to support)",
			Response: "Connecting you with our support team...",
		},
	}
}
