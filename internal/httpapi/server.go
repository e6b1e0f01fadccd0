// Package httpapi is the REST surface alongside the WebSocket gateway
// (SPEC_FULL.md §8): message create/edit/delete/list for clients that
// poll instead of holding a socket open, plus operational endpoints.
// Routing and middleware are grounded on the labstack/echo/v4 wiring
// seen across the example pack's REST layers (Echo app, Recover +
// request-logging middleware, JSON error bodies via HTTPErrorHandler).
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"chatcore/internal/apperr"
	"chatcore/internal/auth"
	"chatcore/internal/bus"
	"chatcore/internal/cdc"
	"chatcore/internal/identity"
	"chatcore/internal/ingest"
	"chatcore/internal/metrics"
	"chatcore/internal/model"
	"chatcore/internal/resync"
	"chatcore/internal/store"
)

// Publisher is the slice of *bus.Bus the Server depends on, so tests
// can substitute a fake instead of a live NATS connection.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Server is the Echo application serving /v1 and operational routes.
type Server struct {
	echo   *echo.Echo
	ingest *ingest.Ingest
	resync *resync.Resync
	store  store.Store
	auth   identity.Authenticator
	bus    Publisher
	cdc    *cdc.Producer
	reg    *prometheus.Registry
	log    zerolog.Logger
}

func New(in *ingest.Ingest, rs *resync.Resync, st store.Store, auth identity.Authenticator, b Publisher, cdcProducer *cdc.Producer, reg *prometheus.Registry, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, ingest: in, resync: rs, store: st, auth: auth, bus: b, cdc: cdcProducer, reg: reg, log: log}
	e.Use(s.requestLogger)
	e.HTTPErrorHandler = s.errorHandler
	s.registerRoutes()
	return s
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		if req.URL.Path == "/healthz" || req.URL.Path == "/metrics" {
			return nil
		}
		s.log.Info().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Int("status", c.Response().Status).
			Dur("latency", time.Since(start)).
			Msg("http request")
		return nil
	}
}

// errorHandler maps apperr.Kind to HTTP status so REST clients see the
// same taxonomy the WebSocket gateway reports in error frames.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := "internal error"

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		if m, ok := httpErr.Message.(string); ok {
			message = m
		}
	} else {
		switch apperr.KindOf(err) {
		case apperr.Unauthenticated:
			status = http.StatusUnauthorized
		case apperr.Forbidden:
			status = http.StatusForbidden
		case apperr.NotFound:
			status = http.StatusNotFound
		case apperr.Duplicate:
			status = http.StatusConflict
		case apperr.RateLimited:
			status = http.StatusTooManyRequests
		case apperr.Unavailable:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusInternalServerError
		}
		message = err.Error()
	}
	_ = c.JSON(status, errorBody{Error: message})
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealthz)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.reg)))

	v1 := s.echo.Group("/v1", s.authMiddleware)
	v1.POST("/channels/:channelId/messages", s.handleCreateMessage)
	v1.GET("/channels/:channelId/messages", s.handleListMessages)
	v1.PATCH("/channels/:channelId/messages/:msgId", s.handleEditMessage)
	v1.DELETE("/channels/:channelId/messages/:msgId", s.handleDeleteMessage)
	v1.POST("/channels/:channelId/read", s.handleMarkRead)
}

// Echo exposes the underlying engine for tests and for attaching to an
// *http.Server alongside the WebSocket upgrade route.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type callerKey struct{}

// authMiddleware authenticates the bearer token the same way the
// WebSocket upgrade does (identity.Authenticator), and stores the
// resulting identity.Identity on the request context.
func (s *Server) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, err := auth.ExtractBearer(c.Request())
		if err != nil {
			return apperr.ErrUnauthenticated
		}
		id, err := s.auth.Authenticate(c.Request().Context(), token)
		if err != nil {
			return apperr.ErrUnauthenticated
		}
		ctx := context.WithValue(c.Request().Context(), callerKey{}, id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func callerID(c echo.Context) uuid.UUID {
	id, _ := c.Request().Context().Value(callerKey{}).(identity.Identity)
	return id.UserID
}

type createMessageRequest struct {
	Content     string            `json:"content"`
	Type        model.MessageType `json:"type"`
	ParentID    *uuid.UUID        `json:"parentId,omitempty"`
	ClientMsgID *uuid.UUID        `json:"clientMsgId,omitempty"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	Attachments []model.Attachment `json:"attachments,omitempty"`
}

func (s *Server) handleCreateMessage(c echo.Context) error {
	channelID, err := uuid.Parse(c.Param("channelId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channelId")
	}
	var req createMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.ingest.CreateMessage(c.Request().Context(), model.CreateMessageInput{
		ChannelID: channelID, SenderID: callerID(c), Content: req.Content, Type: req.Type,
		ParentID: req.ParentID, ClientMsgID: req.ClientMsgID, Metadata: req.Metadata, Attachments: req.Attachments,
	})
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if result.Status == model.StatusDuplicate {
		status = http.StatusOK
	}
	return c.JSON(status, result)
}

func (s *Server) handleListMessages(c echo.Context) error {
	channelID, err := uuid.Parse(c.Param("channelId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channelId")
	}
	afterSeq := int64(0)
	if v := c.QueryParam("afterSeq"); v != "" {
		afterSeq = parseInt64(v)
	}
	limit := resync.DefaultLimit
	if v := c.QueryParam("limit"); v != "" {
		limit = int(parseInt64(v))
	}

	page, err := s.resync.Fetch(c.Request().Context(), callerID(c), channelID, afterSeq, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleEditMessage(c echo.Context) error {
	msgID, err := uuid.Parse(c.Param("msgId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid msgId")
	}
	var req editMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	msg, err := s.authorizeAndEdit(c, msgID, req.Content)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, msg.ToEnvelope())
}

func (s *Server) authorizeAndEdit(c echo.Context, msgID uuid.UUID, content string) (*model.Message, error) {
	existing, err := s.store.GetMessageByID(c.Request().Context(), msgID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "message not found", err)
	}
	if existing.SenderID != callerID(c) {
		return nil, apperr.ErrForbidden
	}
	msg, err := s.store.EditMessage(c.Request().Context(), msgID, content)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, "edit message", err)
	}
	// message_update travels the same Bus fan-out path as a fresh
	// create (SPEC_FULL.md §3 "Message edit history"), minus the
	// Outbox durability step: it republishes the existing envelope and
	// never consumes a new seqId, so there's no row to retry a failed
	// publish from.
	s.publishEnvelope(c.Request().Context(), msg)
	s.cdc.Publish(c.Request().Context(), cdc.EventMessageUpdated, msg.ToEnvelope())
	return msg, nil
}

func (s *Server) publishEnvelope(ctx context.Context, msg *model.Message) {
	payload, err := json.Marshal(msg.ToEnvelope())
	if err != nil {
		return
	}
	if err := s.bus.Publish(bus.ChannelTopic(msg.ChannelID.String()), payload); err != nil {
		s.log.Warn().Err(err).Str("msgId", msg.MsgID.String()).Msg("bus publish failed for message update/delete")
	}
}

func (s *Server) handleDeleteMessage(c echo.Context) error {
	msgID, err := uuid.Parse(c.Param("msgId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid msgId")
	}
	existing, err := s.store.GetMessageByID(c.Request().Context(), msgID)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, "message not found", err)
	}
	if existing.SenderID != callerID(c) {
		return apperr.ErrForbidden
	}
	msg, err := s.store.SoftDeleteMessage(c.Request().Context(), msgID)
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, "delete message", err)
	}
	s.publishEnvelope(c.Request().Context(), msg)
	s.cdc.Publish(c.Request().Context(), cdc.EventMessageDeleted, msg.ToEnvelope())
	return c.NoContent(http.StatusNoContent)
}

type markReadRequest struct {
	MsgID uuid.UUID `json:"msgId"`
}

func (s *Server) handleMarkRead(c echo.Context) error {
	channelID, err := uuid.Parse(c.Param("channelId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channelId")
	}
	var req markReadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	msg, err := s.store.GetMessageByID(c.Request().Context(), req.MsgID)
	if err != nil {
		return apperr.Wrap(apperr.NotFound, "mark read: msgId not found", err)
	}
	if msg.ChannelID != channelID {
		return apperr.New(apperr.NotFound, "mark read: msgId not in channel")
	}
	if err := s.store.MarkRead(c.Request().Context(), callerID(c), channelID, msg.SeqID); err != nil {
		return apperr.Wrap(apperr.Unavailable, "mark read", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func parseInt64(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

// Run starts the Echo server and blocks until ctx is cancelled or
// startup fails, adapted from the pack's Echo Run/Shutdown pattern.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutCtx)
	}
}
