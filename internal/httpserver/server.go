package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/chadiek/voiceloop/internal/config"
	"github.com/chadiek/voiceloop/internal/rtc"
)

// Server exposes health, offer/answer signaling and the WebSocket
// signaling endpoint.
type Server struct {
	cfg config.Config
	log zerolog.Logger
	ec  *echo.Echo
	rtc *rtc.Handler
}

func New(cfg config.Config, log zerolog.Logger) *Server {
	s := &Server{
		cfg: cfg,
		log: log.With().Str("component", "http").Logger(),
		rtc: rtc.NewHandler(cfg, log),
	}

	ec := echo.New()
	ec.HideBanner = true
	ec.HidePort = true
	ec.Use(middleware.Recover())
	ec.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Info().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))
	ec.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
	}))

	ec.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	ec.POST("/call", s.handleCall, s.requireAuth)
	ec.GET("/call/ws", func(c echo.Context) error {
		// Auth is negotiated inside the signaling protocol; clients unable
		// to set headers send an auth frame instead.
		s.rtc.ServeWebSocket(c.Response(), c.Request())
		return nil
	})

	s.ec = ec
	return s
}

// Handler returns the HTTP handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.ec }

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("address", s.cfg.HTTPAddress).Msg("http server listening")
	return s.ec.Start(s.cfg.HTTPAddress)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.ec.Shutdown(ctx)
}

func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if pw := s.cfg.SignalPassword; pw != "" && !rtc.AuthOK(c.Request(), pw) {
			return c.NoContent(http.StatusUnauthorized)
		}
		return next(c)
	}
}

func (s *Server) handleCall(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()
	answer, err := s.rtc.HandleOffer(ctx, offer)
	if err != nil {
		s.log.Error().Err(err).Msg("handle offer")
		if err.Error() == "invalid offer" {
			return c.NoContent(http.StatusBadRequest)
		}
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, answer)
}
