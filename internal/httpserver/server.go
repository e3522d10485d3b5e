package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/chadiek/kb-voice-agent/internal/bot"
	"github.com/chadiek/kb-voice-agent/internal/config"
	"github.com/chadiek/kb-voice-agent/internal/metrics"
	"github.com/chadiek/kb-voice-agent/internal/phone"
	"github.com/chadiek/kb-voice-agent/internal/rtc"
	"github.com/chadiek/kb-voice-agent/internal/store"
	"github.com/chadiek/kb-voice-agent/internal/wsaudio"
)

// DefaultTestQuery is used by /test-rag when the body names no query.
const DefaultTestQuery = "What are your business hours?"

const serviceName = "kb-voice-agent"

// Deps are the shared components behind the routes. Zero values are filled
// from the config.
type Deps struct {
	Runner  *bot.Runner
	Metrics *metrics.Metrics
	Archive store.Archive
}

// Server bundles the HTTP router and its dependencies.
type Server struct {
	Router http.Handler
	runner *bot.Runner
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Runner == nil {
		deps.Runner = bot.NewRunner(cfg, bot.KnowledgeClient(cfg, deps.Metrics), nil, deps.Archive, deps.Metrics)
	}
	s := &Server{runner: deps.Runner}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			p := c.Path()
			return p == "/healthz" || p == "/metrics"
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/health", s.health)
	e.GET("/status", s.status)
	e.GET("/", s.status)
	e.POST("/test-rag", s.testRAG)
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	// WebRTC: single-shot offer/answer and trickle ICE signaling
	h := rtc.NewHandler(deps.Runner, cfg.ICEServersJSON)
	e.POST("/call", func(c echo.Context) error {
		if !rtcAuthOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		var offer rtc.SessionDescription
		if err := json.NewDecoder(c.Request().Body).Decode(&offer); err != nil {
			log.Warn("invalid offer", "err", err)
			return c.NoContent(http.StatusBadRequest)
		}
		if offer.BusinessID == "" {
			offer.BusinessID = c.QueryParam("business_id")
		}
		answer, err := h.HandleOffer(c.Request().Context(), offer)
		if err != nil {
			log.Error("webrtc handle offer failed", "err", err)
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, answer)
	})
	e.GET("/ws", func(c echo.Context) error {
		h.ServeWebSocket(c.Response(), c.Request(), cfg.AuthPassword)
		return nil
	})

	audioHandler := wsaudio.NewHandler(deps.Runner)
	e.GET("/ws/audio", func(c echo.Context) error {
		if !rtcAuthOK(c.Request(), cfg.AuthPassword) {
			return c.NoContent(http.StatusUnauthorized)
		}
		audioHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})

	phone.New(phone.Config{
		AccountSID:    cfg.TwilioAccountSID,
		AuthToken:     cfg.TwilioAuthToken,
		Record:        cfg.TwilioRecord,
		PublicBaseURL: cfg.PublicBaseURL,
	}, deps.Runner, deps.Archive).RegisterHandlers(e)

	s.Router = e
	return s
}

// rtcAuthOK accepts every request when no password is expected.
func rtcAuthOK(r *http.Request, expected string) bool {
	return rtc.AuthOK(r, expected)
}

func (s *Server) health(c echo.Context) error {
	if !s.runner.Ready() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "healthy", "ready": true})
}

type statusResponse struct {
	Service    string   `json:"service"`
	Transports []string `json:"transports"`
	bot.Status
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Service:    serviceName,
		Transports: []string{rtc.Transport, wsaudio.Transport, phone.Transport},
		Status:     s.runner.Status(),
	})
}

type testRAGRequest struct {
	Query      string `json:"query"`
	BusinessID string `json:"business_id"`
}

type testRAGResponse struct {
	Query      string `json:"query"`
	Response   string `json:"response"`
	BusinessID string `json:"business_id,omitempty"`
}

// testRAG runs one knowledge lookup outside of a call.
func (s *Server) testRAG(c echo.Context) error {
	if !s.runner.Ready() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "bot not initialized"})
	}
	var req testRAGRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		req.Query = DefaultTestQuery
	}
	if req.BusinessID == "" {
		req.BusinessID = s.runner.BusinessID()
	}
	answer := s.runner.Knowledge().Lookup(c.Request().Context(), req.Query, req.BusinessID)
	return c.JSON(http.StatusOK, testRAGResponse{Query: req.Query, Response: answer, BusinessID: req.BusinessID})
}
