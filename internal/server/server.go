// Package server exposes the bridge's HTTP and websocket surface: the
// two media ingresses, the telephony control endpoints, the relay
// fan-out, and the operational endpoints.
package server

import (
	"context"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/voxbridge-dev/voxbridge/internal/callcontrol"
	"github.com/voxbridge-dev/voxbridge/internal/log"
	"github.com/voxbridge-dev/voxbridge/internal/observability"
	"github.com/voxbridge-dev/voxbridge/internal/transport"
	"github.com/voxbridge-dev/voxbridge/pkg/agent"
	"github.com/voxbridge-dev/voxbridge/pkg/audio"
	"github.com/voxbridge-dev/voxbridge/pkg/session"
)

// SessionHandler serves one accepted media connection end to end. It
// blocks until the call is over.
type SessionHandler func(ctx context.Context, conn transport.Conn, rec *session.Record) error

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Store      session.Store
	Registry   *agent.Registry
	CallCtl    *callcontrol.Client
	Health     *observability.HealthChecker
	Handle     SessionHandler
	OwnerID    string
	SampleRate int
}

// Server is the fiber application plus its session bookkeeping.
type Server struct {
	app   *fiber.App
	deps  Deps
	relay *Hub

	active atomic.Int64
}

// New builds the fiber app and mounts every route.
func New(deps Deps) *Server {
	if deps.SampleRate == 0 {
		deps.SampleRate = audio.SampleRate16k
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "voxbridge",
			DisableStartupMessage: true,
		}),
		deps:  deps,
		relay: NewHub(),
	}

	s.app.Use(recover.New())

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/readiness", s.handleReadiness)
	s.app.Get("/agents", s.handleAgents)
	s.app.Get("/metrics", adaptor.HTTPHandler(observability.MetricsHandler()))

	s.app.Post("/call/incoming", s.handleIncoming)
	s.app.Post("/call/outbound", s.handleOutbound)
	s.app.Post("/call/hangup", s.handleHangup)

	upgrade := func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
	s.app.Use("/realtime", upgrade)
	s.app.Use("/call/stream", upgrade)
	s.app.Use("/relay", upgrade)

	s.app.Get("/realtime", websocket.New(s.handleBrowserWS))
	s.app.Get("/call/stream", websocket.New(s.handleTelephonyWS))
	s.app.Get("/relay", websocket.New(s.handleRelayWS))

	return s
}

// Relay returns the observer fan-out hub.
func (s *Server) Relay() *Hub { return s.relay }

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// ActiveSessions reports sessions currently being served by this worker.
func (s *Server) ActiveSessions() int64 { return s.active.Load() }

// Listen serves until Shutdown.
func (s *Server) Listen(addr string) error {
	go s.relay.Run()
	return s.app.Listen(addr)
}

// Shutdown stops accepting work and disconnects relay observers.
func (s *Server) Shutdown() error {
	s.relay.Stop()
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":          "ok",
		"active_sessions": s.active.Load(),
	})
}

func (s *Server) handleReadiness(c *fiber.Ctx) error {
	report := s.deps.Health.Run(c.Context())
	code := fiber.StatusOK
	if report.Status == observability.StatusUnhealthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(report)
}

func (s *Server) handleAgents(c *fiber.Ctx) error {
	type agentInfo struct {
		Key         string `json:"key"`
		DisplayName string `json:"display_name"`
	}
	var agents []agentInfo
	for _, key := range s.deps.Registry.Keys() {
		spec, err := s.deps.Registry.Get(key)
		if err != nil {
			continue
		}
		agents = append(agents, agentInfo{Key: spec.Key, DisplayName: spec.DisplayName})
	}
	return c.JSON(fiber.Map{"status": "ok", "agents": agents})
}

func (s *Server) handleIncoming(c *fiber.Ctx) error {
	var ev callcontrol.IncomingCallEvent
	if err := c.BodyParser(&ev); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed webhook payload")
	}
	directive, err := s.deps.CallCtl.HandleIncoming(ev)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return c.JSON(directive)
}

func (s *Server) handleOutbound(c *fiber.Ctx) error {
	var req struct {
		Target      string `json:"target"`
		SessionHint string `json:"session_hint"`
	}
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
	}
	sid, err := s.deps.CallCtl.PlaceOutboundCall(c.Context(), req.Target, req.SessionHint)
	if err != nil {
		if err := callcontrol.ValidatePhoneNumber(req.Target); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
	return c.JSON(fiber.Map{"session_id": sid})
}

func (s *Server) handleHangup(c *fiber.Ctx) error {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := c.BodyParser(&req); err != nil || req.SessionID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "session_id is required")
	}
	if _, err := s.deps.Store.BumpCancelEpoch(c.Context(), req.SessionID); err != nil {
		return fiber.NewError(fiber.StatusNotFound, "unknown session")
	}
	if s.deps.CallCtl != nil {
		if err := s.deps.CallCtl.Hangup(c.Context(), req.SessionID); err != nil {
			log.Warn("provider hangup failed", "session_id", req.SessionID, "error", err)
		}
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleBrowserWS(c *websocket.Conn) {
	sid := c.Query("session_id")
	if sid == "" {
		sid = uuid.NewString()
	}
	conn := transport.NewBrowserConn(c, sid, s.deps.SampleRate)
	s.serveSession(conn, sid, session.TransportBrowser)
}

func (s *Server) handleTelephonyWS(c *websocket.Conn) {
	sid := c.Query("session_id")
	if sid == "" {
		sid = uuid.NewString()
	}
	conn := transport.NewTelephonyConn(c, sid, s.deps.SampleRate)
	s.serveSession(conn, sid, session.TransportTelephonyMedia)
}

// serveSession creates the record and hands the connection to the
// session handler, blocking until the call ends.
func (s *Server) serveSession(conn transport.Conn, sid string, kind session.TransportKind) {
	ctx := context.Background()
	rec := session.NewRecord(sid, kind, s.deps.OwnerID, s.deps.SampleRate)
	if err := s.deps.Store.Create(ctx, rec); err != nil {
		log.Error("session create failed", "session_id", sid, "error", err)
		_ = conn.Close(websocket.CloseInternalServerErr)
		return
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	if err := s.deps.Handle(ctx, conn, rec); err != nil {
		log.Error("session ended with error", "session_id", sid, "error", err)
	}
}

func (s *Server) handleRelayWS(c *websocket.Conn) {
	client := s.relay.subscribe()
	defer s.relay.drop(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Observers send nothing meaningful; reading just detects close.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
