package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/amora-chat/amora/service/rt/wire"
	"github.com/amora-chat/amora/tools/decode"
)

// Config holds everything the client needs to talk to one gateway.
type Config struct {
	BaseURL    string // e.g. http://localhost:8080
	Token      string
	UserID     string
	HTTPClient *http.Client
	Ringer     Ringer

	Stream StreamConfig // URL and Token are filled in from the above
}

// Client is the full SDK facade: the live event stream, the multiplexer
// the application registers handlers on, the call state machine, typing
// state, and the HTTP producer methods.
type Client struct {
	cfg    Config
	http   *http.Client
	Stream *Stream
	Mux    *Mux
	Calls  *CallManager
	Typing *TypingTracker

	stopTyping chan struct{}
}

// New wires the pieces together. Call Start to connect.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		cfg:        cfg,
		http:       cfg.HTTPClient,
		Mux:        NewMux(),
		Typing:     NewTypingTracker(cfg.UserID),
		stopTyping: make(chan struct{}),
	}
	c.Calls = NewCallManager(cfg.UserID, cfg.Ringer, c)

	sc := cfg.Stream
	sc.URL = cfg.BaseURL + "/rt/stream"
	sc.Token = cfg.Token
	sc.HTTPClient = cfg.HTTPClient
	c.Stream = NewStream(sc, c.Mux.Dispatch)

	// Built-in subscriptions. Application handlers registered on Mux run
	// after these.
	HandleTyped(c.Mux, wire.TypingStart, func(p wire.TypingPayload) {
		c.Typing.Apply(wire.TypingStart, p)
	})
	HandleTyped(c.Mux, wire.TypingStop, func(p wire.TypingPayload) {
		c.Typing.Apply(wire.TypingStop, p)
	})
	HandleTyped(c.Mux, wire.IncomingCall, func(p wire.CallPayload) {
		c.Calls.HandleEvent(wire.IncomingCall, p)
	})
	HandleTyped(c.Mux, wire.CallStatusUpdate, func(p wire.CallPayload) {
		c.Calls.HandleEvent(wire.CallStatusUpdate, p)
	})
	return c
}

// Start opens the stream and begins the typing sweeper.
func (c *Client) Start() {
	c.Typing.Run(c.stopTyping)
	c.Stream.Start()
}

// Close stops everything.
func (c *Client) Close() {
	close(c.stopTyping)
	c.Stream.Close()
}

// Login exchanges a username for a session token against a gateway. It is a
// package function because it runs before a Client exists.
func Login(ctx context.Context, httpClient *http.Client, baseURL, userID, username string) (token string, err error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	body, _ := json.Marshal(map[string]string{"user_id": userID, "username": username})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(baseURL, "/")+"/api/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "client: login")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("client: login status %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(err, "client: decode login response")
	}
	return out.Token, nil
}

// SendMessage posts a direct message and returns the stored payload.
func (c *Client) SendMessage(ctx context.Context, receiverID, content string) (wire.MessagePayload, error) {
	var msg wire.MessagePayload
	err := c.post(ctx, "/api/messages", map[string]any{
		"receiver_id": receiverID,
		"content":     content,
	}, &msg)
	return msg, err
}

// SendGroupMessage posts a message to a group channel.
func (c *Client) SendGroupMessage(ctx context.Context, groupID, channelID, content string, participants []string) (wire.MessagePayload, error) {
	var msg wire.MessagePayload
	err := c.post(ctx, "/api/messages", map[string]any{
		"group_id":                  groupID,
		"channel_id":                channelID,
		"content":                   content,
		"conversation_participants": participants,
	}, &msg)
	return msg, err
}

// MarkRead reports the listed messages from peerID as read.
func (c *Client) MarkRead(ctx context.Context, peerID string, messageIDs []string) error {
	return c.post(ctx, "/api/messages/read", map[string]any{
		"peer_id":     peerID,
		"message_ids": messageIDs,
	}, nil)
}

// SendTyping broadcasts a typing start or stop for the conversation.
func (c *Client) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	return c.post(ctx, "/api/typing", map[string]any{
		"conversation_id": conversationID,
		"typing":          typing,
	}, nil)
}

// PlaceCall creates a call session, feeds the local state machine and
// returns the session.
func (c *Client) PlaceCall(ctx context.Context, recipientID, callType string) (wire.CallPayload, error) {
	var call wire.CallPayload
	err := c.post(ctx, "/api/calls", map[string]any{
		"recipient_id": recipientID,
		"call_type":    callType,
	}, &call)
	if err != nil {
		return call, err
	}
	if err := c.Calls.StartOutgoing(call); err != nil {
		return call, err
	}
	return call, nil
}

// UpdateCallStatus pushes a lifecycle transition. Implements StatusNotifier
// for the call manager.
func (c *Client) UpdateCallStatus(ctx context.Context, callID, status string) (wire.CallPayload, error) {
	var call wire.CallPayload
	err := c.do(ctx, http.MethodPatch, "/api/calls/"+callID, map[string]any{"status": status}, &call)
	return call, err
}

// History fetches stored messages for a direct conversation.
func (c *Client) History(ctx context.Context, peerID string, limit int) ([]wire.MessagePayload, error) {
	url := fmt.Sprintf("%s/api/history?peer_id=%s&limit=%d", c.cfg.BaseURL, peerID, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "client: fetch history")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: history status %d", resp.StatusCode)
	}
	var out struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "client: decode history")
	}
	msgs := make([]wire.MessagePayload, 0, len(out.Messages))
	for _, raw := range out.Messages {
		m, err := decode.Map[wire.MessagePayload](raw)
		if err != nil {
			continue
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "client: %s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("client: %s %s status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}
