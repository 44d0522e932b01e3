package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes notifications to the session registered under a key.
type Notifier interface {
	Notify(ctx context.Context, key string, payload map[string]any) error
}

// clientSender is the part of server.MCPServer used to push notifications.
type clientSender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// SessionNotifier implements Notifier with MCP server notifications.
type SessionNotifier struct {
	sender   clientSender
	sessions *SessionRegistry
}

// NewSessionNotifier creates a notifier that pushes through sender.
func NewSessionNotifier(sender clientSender, sessions *SessionRegistry) *SessionNotifier {
	return &SessionNotifier{sender: sender, sessions: sessions}
}

// Notify sends a notifications/message to the session mapped to key.
// Best-effort: returns nil if no session is mapped.
func (n *SessionNotifier) Notify(_ context.Context, key string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(key)
	if !ok {
		return nil
	}
	err := n.sender.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
