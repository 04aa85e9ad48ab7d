package hub

import (
	"errors"

	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/protocol"
	"github.com/orchestra-mcp/realtime/src/types"
)

// Reply events.
const (
	EventAuthenticated = "authenticated"
	EventSubscribed    = "subscribed"
	EventUnsubscribed  = "unsubscribed"
	EventPong          = "pong"
)

func (h *Hub) handleFrame(c *Client, frame []byte) {
	if cur, ok := h.clients[c.ID]; !ok || cur != c {
		return
	}
	c.lastActivity = h.now()

	in, err := c.adapter.Decode(frame)
	if err != nil {
		h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("undecodable frame")
		h.replyError(c, types.Message{}, types.ErrBadRequest("%v", err))
		return
	}

	switch in.Kind {
	case protocol.KindPing:
		c.push(c.adapter.Pong())
	case protocol.KindPong, protocol.KindNoop:
	case protocol.KindClose:
		h.removeClient(c)
	case protocol.KindConnect:
		h.handleConnect(c, in)
	case protocol.KindDisconnect:
		h.leaveAll(c)
		delete(c.attrs, AttrNamespace)
	case protocol.KindMessage:
		h.dispatch(c, in.Message)
	}
}

// handleConnect binds the namespace of a Socket.IO connect packet and
// runs any credentials it carried.
func (h *Hub) handleConnect(c *Client, in protocol.Inbound) {
	c.attrs[AttrNamespace] = in.Namespace
	frame, err := c.adapter.EncodeConnect(c.session())
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", c.ID).Msg("encode connect failed")
		return
	}
	if frame != nil {
		c.push(frame)
	}
	if in.Message.Type == types.TypeAuth && !auth.CredentialsFrom(in.Message.Data).Empty() && !c.authenticated() {
		h.dispatch(c, in.Message)
	}
}

// dispatch routes a canonical message to its handler. Handler failures
// and panics become error replies; the connection stays open.
func (h *Hub) dispatch(c *Client, msg types.Message) {
	h.opts.Metrics.Message(msg.Type.String())

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("client_id", c.ID).Str("type", msg.Type.String()).Msg("handler panicked")
			h.replyError(c, msg, types.ErrInternal("internal error"))
		}
	}()

	if h.opts.RequireAuth && !c.authenticated() && msg.Type != types.TypeAuth && msg.Type != types.TypePing {
		h.replyError(c, msg, types.ErrUnauthenticated("authentication required"))
		return
	}

	var err error
	switch msg.Type {
	case types.TypeAuth:
		err = h.handleAuth(c, msg)
	case types.TypeSubscribe:
		err = h.handleSubscribe(c, msg)
	case types.TypeUnsubscribe:
		err = h.handleUnsubscribe(c, msg)
	case types.TypeEvent:
		err = h.handleClientEvent(c, msg)
	case types.TypePing:
		h.reply(c, msg, types.Message{Event: EventPong})
	default:
		err = types.ErrBadRequest("unknown message type %q", msg.Event)
	}
	if err != nil {
		h.replyError(c, msg, types.AsError(err))
	}
}

func (h *Hub) handleAuth(c *Client, msg types.Message) error {
	if c.authenticated() {
		return &types.Error{Status: 400, Code: "already_authenticated", Message: "connection is already authenticated"}
	}
	if h.opts.Authenticator == nil {
		return types.ErrUnauthenticated("authentication is not configured")
	}

	id, err := h.opts.Authenticator.Authenticate(h.ctx, auth.CredentialsFrom(msg.Data))
	if err != nil {
		h.opts.Metrics.Reject("auth")
		h.logger.Debug().Err(err).Str("client_id", c.ID).Msg("authentication failed")
		return types.ErrUnauthenticated("%v", err)
	}

	c.setIdentity(id)
	h.logger.Info().Str("client_id", c.ID).Str("user_id", id.UserID).Str("method", id.Method).Msg("client authenticated")
	h.reply(c, msg, types.Message{Event: EventAuthenticated, Data: map[string]any{
		"user_id": id.UserID,
		"guard":   id.Guard,
		"method":  id.Method,
	}})
	return nil
}

func (h *Hub) handleSubscribe(c *Client, msg types.Message) error {
	name := msg.Channel
	if name == "" {
		return types.ErrBadRequest("channel is required")
	}
	if _, ok := c.channels[name]; ok {
		h.reply(c, msg, h.subscribedMessage(name))
		return nil
	}

	var member *auth.Member
	if types.KindOf(name) != types.KindPublic {
		if h.opts.Authorizer == nil {
			return types.ErrForbidden("channel %s requires authorization", name)
		}
		grant, err := h.opts.Authorizer.Authorize(h.ctx, auth.Request{
			SocketID:    c.ID,
			Channel:     name,
			Signature:   msg.DataString("auth"),
			ChannelData: msg.DataString("channel_data"),
			User:        c.Identity(),
		})
		if err != nil {
			h.opts.Metrics.Reject("forbidden")
			h.logger.Debug().Err(err).Str("client_id", c.ID).Str("channel", name).Msg("subscription denied")
			if errors.Is(err, auth.ErrChannelDataParse) || errors.Is(err, auth.ErrMemberIdentity) {
				return types.ErrBadRequest("%v", err)
			}
			return types.ErrForbidden("not authorized for %s", name)
		}
		member = grant.Member
	}

	// The joiner sees the roster including itself; the others get the
	// join event.
	h.subscribe(c, name, member)
	h.reply(c, msg, h.subscribedMessage(name))
	if member != nil {
		h.broadcast(name, types.Message{Channel: name, Event: EventMemberAdded, Data: memberData(*member)}, c.ID)
	}
	return nil
}

func (h *Hub) subscribedMessage(name string) types.Message {
	out := types.Message{Channel: name, Event: EventSubscribed}
	if ch, ok := h.channels[name]; ok && ch.Kind == types.KindPresence {
		out.Data = ch.roster()
	}
	return out
}

func (h *Hub) handleUnsubscribe(c *Client, msg types.Message) error {
	if msg.Channel == "" {
		return types.ErrBadRequest("channel is required")
	}
	h.leave(c, msg.Channel)
	h.reply(c, msg, types.Message{Channel: msg.Channel, Event: EventUnsubscribed})
	return nil
}

func (h *Hub) handleClientEvent(c *Client, msg types.Message) error {
	if h.opts.Limiter != nil {
		d, err := h.opts.Limiter.Allow(h.ctx, c.ID)
		if err != nil {
			h.logger.Warn().Err(err).Str("client_id", c.ID).Msg("rate limiter unavailable, allowing")
		} else if !d.Allowed {
			h.opts.Metrics.Reject("rate_limit")
			return types.ErrRateLimited(d.RetryAfter)
		}
	}

	if msg.Channel == "" {
		return types.ErrBadRequest("channel is required")
	}
	if msg.Event == "" {
		return types.ErrBadRequest("event is required")
	}
	if _, ok := c.channels[msg.Channel]; !ok {
		return &types.Error{Status: 403, Code: "not_subscribed", Message: "not subscribed to " + msg.Channel}
	}

	h.broadcast(msg.Channel, types.Message{Channel: msg.Channel, Event: msg.Event, Data: msg.Data}, c.ID)
	if msg.AckID != nil {
		h.reply(c, msg, types.Message{Channel: msg.Channel, Event: msg.Event})
	}
	return nil
}

// reply answers req on c, as an acknowledgement when req carried an ack id.
func (h *Hub) reply(c *Client, req types.Message, out types.Message) {
	var (
		frame []byte
		err   error
	)
	if req.AckID != nil {
		frame, err = c.adapter.EncodeAck(c.session(), *req.AckID, out)
	} else {
		frame, err = c.adapter.Encode(c.session(), out)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", c.ID).Str("event", out.Event).Msg("encode reply failed")
		return
	}
	c.push(frame)
}

func (h *Hub) replyError(c *Client, req types.Message, e *types.Error) {
	h.reply(c, req, protocol.ErrorMessage(req.Channel, e))
}
