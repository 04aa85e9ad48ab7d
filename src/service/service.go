package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/orchestra-mcp/realtime/src/auth"
	"github.com/orchestra-mcp/realtime/src/bridge"
	"github.com/orchestra-mcp/realtime/src/hub"
	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// Workers is the worker pool the service reads from and delivers into.
type Workers interface {
	Hubs() []*hub.Hub
	Deliver(d bridge.Delivery)
}

// Service provides the high-level pub/sub API used by the HTTP routes
// and by embedding applications.
type Service struct {
	workers   Workers
	publisher bridge.Publisher
	logger    zerolog.Logger
}

// New creates a service. publisher may be nil, in which case messages are
// delivered to this node's workers only.
func New(workers Workers, publisher bridge.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		workers:   workers,
		publisher: publisher,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Publish sends an event to every subscriber of channel on every node.
// except, when set, is a socket id that must not receive it.
func (s *Service) Publish(ctx context.Context, channel, event string, data any, except string) error {
	if channel == "" {
		return types.ErrBadRequest("channel is required")
	}
	if event == "" {
		return types.ErrBadRequest("event is required")
	}
	d := bridge.Delivery{Channel: channel, Event: event, Except: except}
	if data != nil {
		d.Data = types.WrapData(data)
	}

	if s.publisher == nil {
		s.workers.Deliver(d)
	} else if err := s.publisher.Publish(ctx, d); err != nil {
		s.logger.Error().Err(err).Str("channel", channel).Str("event", event).Msg("publish failed")
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	s.logger.Debug().Str("channel", channel).Str("event", event).Msg("published")
	return nil
}

// OnConnection registers a callback for new connections on every worker.
func (s *Service) OnConnection(cb func(clientID string)) {
	for _, h := range s.workers.Hubs() {
		h.OnConnection(cb)
	}
}

// OnDisconnection registers a callback for disconnections on every worker.
func (s *Service) OnDisconnection(cb func(clientID string)) {
	for _, h := range s.workers.Hubs() {
		h.OnDisconnection(cb)
	}
}

// GetConnectedClients returns IDs of all connected clients on this node.
func (s *Service) GetConnectedClients() []string {
	var ids []string
	for _, h := range s.workers.Hubs() {
		ids = append(ids, h.ConnectedClients()...)
	}
	sort.Strings(ids)
	return ids
}

// ClientCount returns the number of connected clients on this node.
func (s *Service) ClientCount() int {
	n := 0
	for _, h := range s.workers.Hubs() {
		n += h.ClientCount()
	}
	return n
}

// GetClientInfo returns info for a connected client, or error.
func (s *Service) GetClientInfo(clientID string) (*types.ClientInfo, error) {
	for _, h := range s.workers.Hubs() {
		if info := h.ClientInfo(clientID); info != nil {
			return info, nil
		}
	}
	return nil, fmt.Errorf("client %s not found", clientID)
}

// GetChannels returns active channels with subscriber counts summed over
// the workers.
func (s *Service) GetChannels() map[string]int {
	result := map[string]int{}
	for _, h := range s.workers.Hubs() {
		for name, n := range h.Channels() {
			result[name] += n
		}
	}
	return result
}

// GetMembers returns the presence members of channel on this node.
func (s *Service) GetMembers(channel string) ([]auth.Member, error) {
	if types.KindOf(channel) != types.KindPresence {
		return nil, types.ErrBadRequest("%s is not a presence channel", channel)
	}
	var members []auth.Member
	for _, h := range s.workers.Hubs() {
		members = append(members, h.Members(channel)...)
	}
	return members, nil
}

// SendToClient sends an event directly to a specific client.
func (s *Service) SendToClient(clientID, channel, event string, data any) error {
	msg := types.Message{Channel: channel, Event: event}
	if data != nil {
		msg.Data = types.WrapData(data)
	}
	for _, h := range s.workers.Hubs() {
		if h.SendToClient(clientID, msg) {
			return nil
		}
	}
	return fmt.Errorf("client %s not found or buffer full", clientID)
}

// Disconnect closes a client connection.
func (s *Service) Disconnect(clientID string) error {
	for _, h := range s.workers.Hubs() {
		if h.Disconnect(clientID) {
			s.logger.Info().Str("client_id", clientID).Msg("client disconnected by server")
			return nil
		}
	}
	return fmt.Errorf("client %s not found", clientID)
}
