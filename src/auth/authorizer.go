package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

var (
	ErrNoRoute          = errors.New("no channel route matches")
	ErrGuardNotAllowed  = errors.New("guard not allowed for channel")
	ErrDenied           = errors.New("channel authorization denied")
	ErrMemberIdentity   = errors.New("presence member has no user id")
	ErrChannelDataParse = errors.New("channel_data is not a JSON object")
)

// Request describes a subscription needing authorization.
type Request struct {
	SocketID    string
	Channel     string
	Signature   string
	ChannelData string
	User        *Identity
}

// Grant is a successful authorization. Member is set for presence
// channels.
type Grant struct {
	Member *Member
}

// Member is a presence channel participant.
type Member struct {
	UserID string         `json:"user_id"`
	Info   map[string]any `json:"user_info,omitempty"`
}

type channelData struct {
	UserID   any            `json:"user_id"`
	UserInfo map[string]any `json:"user_info"`
}

// Authorizer checks private and presence channel subscriptions.
type Authorizer struct {
	signer *Signer
	routes *Routes
	logger zerolog.Logger
}

func NewAuthorizer(signer *Signer, routes *Routes, logger zerolog.Logger) *Authorizer {
	if routes == nil {
		routes = NewRoutes()
	}
	return &Authorizer{
		signer: signer,
		routes: routes,
		logger: logger.With().Str("component", "authorizer").Logger(),
	}
}

// Authorize tries the signature path and then the direct route path.
// Public channels are always granted.
func (a *Authorizer) Authorize(ctx context.Context, req Request) (Grant, error) {
	kind := types.KindOf(req.Channel)
	if kind == types.KindPublic {
		return Grant{}, nil
	}

	if req.Signature != "" && a.signer != nil &&
		a.signer.Verify(req.SocketID, req.Channel, req.ChannelData, req.Signature) {
		return a.signatureGrant(kind, req)
	}

	if req.User == nil {
		if req.Signature != "" {
			return Grant{}, fmt.Errorf("%w: invalid signature", ErrDenied)
		}
		return Grant{}, fmt.Errorf("%w: not authenticated", ErrDenied)
	}
	return a.Direct(ctx, req.Channel, req.User)
}

func (a *Authorizer) signatureGrant(kind types.ChannelKind, req Request) (Grant, error) {
	if kind != types.KindPresence {
		return Grant{}, nil
	}
	var cd channelData
	if err := json.Unmarshal([]byte(req.ChannelData), &cd); err != nil {
		return Grant{}, ErrChannelDataParse
	}
	userID := scalarString(cd.UserID)
	if userID == "" {
		return Grant{}, ErrMemberIdentity
	}
	return Grant{Member: &Member{UserID: userID, Info: cd.UserInfo}}, nil
}

// Direct runs the registered route for channel against an authenticated
// user. It also backs the HTTP broadcast auth endpoint.
func (a *Authorizer) Direct(ctx context.Context, channel string, user *Identity) (Grant, error) {
	route, params, ok := a.routes.Match(types.NormalizeChannel(channel))
	if !ok {
		return Grant{}, fmt.Errorf("%w: %s", ErrNoRoute, channel)
	}
	if !route.AllowsGuard(user.Guard) {
		return Grant{}, fmt.Errorf("%w: %s", ErrGuardNotAllowed, user.Guard)
	}

	verdict, err := route.Authorize(ctx, user, params, user.Guard)
	if err != nil {
		a.logger.Warn().Err(err).Str("channel", channel).Str("user_id", user.UserID).Msg("authorize callback failed")
		return Grant{}, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	if !verdict.Allowed {
		return Grant{}, ErrDenied
	}

	if types.KindOf(channel) != types.KindPresence {
		return Grant{}, nil
	}
	if user.UserID == "" {
		return Grant{}, ErrMemberIdentity
	}
	info := verdict.Member
	if info == nil {
		info = map[string]any{}
	}
	return Grant{Member: &Member{UserID: user.UserID, Info: info}}, nil
}

// ChannelData renders the presence member the way the signature path
// expects to receive it.
func (m *Member) ChannelData() (string, error) {
	b, err := json.Marshal(m)
	return string(b), err
}
