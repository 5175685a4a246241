// Package dashboard serves the operator dashboard: health, metrics, and the
// WebSocket stream of state updates.
package dashboard

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wordflow/autopilot/internal/metrics"
	"github.com/wordflow/autopilot/internal/statussync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served same-origin behind the team proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the HTTP surface.
type Server struct {
	echo   *echo.Echo
	hub    *Hub
	logger *zap.SugaredLogger
}

// NewServer wires routes onto an echo instance.
func NewServer(hub *Hub, collector *metrics.Collector, syncer *statussync.Syncer, logger *zap.SugaredLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, hub: hub, logger: logger}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/api/metrics", func(c echo.Context) error {
		return c.JSON(http.StatusOK, collector.Snapshot())
	})
	e.GET("/api/sync/last", func(c echo.Context) error {
		return c.JSON(http.StatusOK, syncer.Last())
	})
	e.GET("/ws", s.handleWS)

	return s
}

func (s *Server) handleWS(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	if !s.hub.Register(conn) {
		return nil
	}

	// Read pump: the dashboard never sends application data, but reading
	// surfaces disconnects.
	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}

// Start begins serving on addr. It blocks until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and disconnects all clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.CloseAll()
	return s.echo.Shutdown(ctx)
}
