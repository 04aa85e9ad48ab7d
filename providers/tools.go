package providers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/orchestra-mcp/realtime/src/types"
)

// registerAdminRoutes exposes the service to operators and back ends.
// Every route requires the admin bearer token.
func (g *Gateway) registerAdminRoutes(group fiber.Router) {
	group.Use(g.requireAdmin)
	group.Get("/clients", g.handleListClients)
	group.Get("/clients/:id", g.handleClientInfo)
	group.Delete("/clients/:id", g.handleDisconnect)
	group.Get("/channels", g.handleListChannels)
	group.Get("/channels/:name/members", g.handleMembers)
	group.Post("/publish", g.handlePublish)
}

// requireAdmin rejects requests without the configured admin token. With
// no token configured the admin API stays closed.
func (g *Gateway) requireAdmin(c fiber.Ctx) error {
	want := g.cfg.Admin.Token
	if want == "" {
		return writeError(c, types.ErrUnauthenticated("admin api is disabled"))
	}
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(want)) != 1 {
		g.metrics.Reject("admin")
		return writeError(c, types.ErrUnauthenticated("invalid admin token"))
	}
	return c.Next()
}

func (g *Gateway) handleListClients(c fiber.Ctx) error {
	clients := g.service.GetConnectedClients()
	infos := make([]*types.ClientInfo, 0, len(clients))
	for _, id := range clients {
		info, err := g.service.GetClientInfo(id)
		if err == nil {
			infos = append(infos, info)
		}
	}
	return c.JSON(fiber.Map{
		"clients": infos,
		"count":   len(infos),
	})
}

func (g *Gateway) handleClientInfo(c fiber.Ctx) error {
	info, err := g.service.GetClientInfo(c.Params("id"))
	if err != nil {
		return writeError(c, &types.Error{Status: fiber.StatusNotFound, Code: "not_found", Message: err.Error()})
	}
	return c.JSON(info)
}

func (g *Gateway) handleDisconnect(c fiber.Ctx) error {
	if err := g.service.Disconnect(c.Params("id")); err != nil {
		return writeError(c, &types.Error{Status: fiber.StatusNotFound, Code: "not_found", Message: err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (g *Gateway) handleListChannels(c fiber.Ctx) error {
	channels := g.service.GetChannels()
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]fiber.Map, 0, len(names))
	for _, name := range names {
		result = append(result, fiber.Map{
			"channel":     name,
			"subscribers": channels[name],
		})
	}
	return c.JSON(fiber.Map{"channels": result, "count": len(result)})
}

func (g *Gateway) handleMembers(c fiber.Ctx) error {
	members, err := g.service.GetMembers(c.Params("name"))
	if err != nil {
		return writeError(c, types.AsError(err))
	}
	return c.JSON(fiber.Map{"members": members, "count": len(members)})
}

type publishRequest struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Data    any    `json:"data"`
	Except  string `json:"socket_id"`
}

func (g *Gateway) handlePublish(c fiber.Ctx) error {
	var req publishRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return writeError(c, types.ErrBadRequest("invalid request body"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := g.service.Publish(ctx, req.Channel, req.Event, req.Data, req.Except); err != nil {
		return writeError(c, types.AsError(err))
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"published": true, "channel": req.Channel})
}
