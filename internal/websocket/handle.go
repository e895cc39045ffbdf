package websocket

import (
	"context"
	"encoding/json"
	"strings"
)

func (c *Client) handle(ctx context.Context, f Frame) error {
	switch f.Type {
	case TypePing:
		data, _ := json.Marshal(Frame{Type: TypePong, Ref: f.Ref})
		c.enqueue(data)
	case TypeAuth:
		c.reauthenticate(f)
	case TypeJoin:
		c.handleJoin(ctx, f)
	case TypeLeave:
		var p ChatPayload
		if !c.decode(f, &p) {
			return nil
		}
		c.hub.leave(c, ChatGroup(p.ChatID))
		c.ack(f.Ref, "", p)
	case TypeSend:
		c.handleSend(ctx, f)
	case TypeRead:
		c.handleRead(ctx, f)
	case TypeLogout:
		c.ack(f.Ref, "", nil)
		return errLogout
	default:
		c.fail(f.Ref, CodeUnsupported, "unknown frame type "+f.Type)
	}
	return nil
}

// reauthenticate accepts a fresh credential for the same user and moves the
// expiry deadline.
func (c *Client) reauthenticate(f Frame) {
	var p AuthPayload
	if !c.decode(f, &p) {
		return
	}
	id, err := c.hub.authn.Authenticate(p.Token)
	if err != nil {
		c.fail(f.Ref, CodeUnauthorized, err.Error())
		return
	}
	if id.UserID != c.userID {
		c.fail(f.Ref, CodeForbidden, "credential belongs to another user")
		return
	}
	c.scheduleExpiry(id.ExpiresAt)
	c.ack(f.Ref, "", AuthenticatedPayload{UserID: c.userID, ConnectionID: c.id, ExpiresAt: id.ExpiresAt.Unix()})
}

func (c *Client) handleJoin(ctx context.Context, f Frame) {
	var p ChatPayload
	if !c.decode(f, &p) || !c.requireChat(f.Ref, p.ChatID) || !c.requireInbound(f.Ref) {
		return
	}
	if err := c.hub.inbound.Join(ctx, c.userID, p.ChatID); err != nil {
		c.fail(f.Ref, errorCode(err), err.Error())
		return
	}
	c.hub.join(c, ChatGroup(p.ChatID))
	c.ack(f.Ref, "", p)
}

func (c *Client) handleSend(ctx context.Context, f Frame) {
	var p SendPayload
	if !c.decode(f, &p) || !c.requireChat(f.Ref, p.ChatID) || !c.requireInbound(f.Ref) {
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		c.fail(f.Ref, CodeInvalidRequest, "content is required")
		return
	}
	msg, err := c.hub.inbound.Send(ctx, c.userID, p.ChatID, p.Content, p.ClientRef)
	if err != nil {
		c.fail(f.Ref, errorCode(err), err.Error())
		return
	}
	c.ack(f.Ref, MessageEventID(msg.ID), MessageEvent{ChatID: p.ChatID, Message: msg})
}

func (c *Client) handleRead(ctx context.Context, f Frame) {
	var p ChatPayload
	if !c.decode(f, &p) || !c.requireChat(f.Ref, p.ChatID) || !c.requireInbound(f.Ref) {
		return
	}
	if err := c.hub.inbound.MarkRead(ctx, c.userID, p.ChatID); err != nil {
		c.fail(f.Ref, errorCode(err), err.Error())
		return
	}
	c.ack(f.Ref, "", p)
}

func (c *Client) decode(f Frame, v any) bool {
	if len(f.Payload) == 0 || json.Unmarshal(f.Payload, v) != nil {
		c.fail(f.Ref, CodeBadRequest, "malformed "+f.Type+" payload")
		return false
	}
	return true
}

func (c *Client) requireChat(ref, chatID string) bool {
	if chatID == "" {
		c.fail(ref, CodeInvalidRequest, "chatId is required")
		return false
	}
	return true
}

func (c *Client) requireInbound(ref string) bool {
	if c.hub.inbound == nil {
		c.fail(ref, CodeUnavailable, "chat is not available")
		return false
	}
	return true
}

func (c *Client) ack(ref, id string, payload any) {
	data, err := encodeAck(ref, id, payload)
	if err != nil {
		c.hub.logger.Error("encode ack", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *Client) fail(ref, code, message string) {
	c.enqueue(encodeError(ref, code, message))
}
