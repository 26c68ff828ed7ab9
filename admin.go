package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// AdminServer exposes a small read-only HTTP surface for health checks and
// operator introspection (SPEC_FULL §11), separate from the six mandatory
// media/control ports.
type AdminServer struct {
	echo *echo.Echo
	s    *Supervisor
	addr string
}

// NewAdminServer wires routes against the live supervisor state.
func NewAdminServer(s *Supervisor, addr string) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	as := &AdminServer{echo: e, s: s, addr: addr}
	e.GET("/health", as.handleHealth)
	e.GET("/api/roster", as.handleRoster)
	e.GET("/api/catalog", as.handleCatalog)
	e.GET("/api/metrics", as.handleMetrics)
	return as
}

// Run starts serving, blocking until the listener fails or is closed.
func (a *AdminServer) Run() error {
	return a.echo.Start(a.addr)
}

// Close shuts down the admin HTTP listener.
func (a *AdminServer) Close() error {
	return a.echo.Close()
}

func (a *AdminServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": a.s.reg.Count(),
	})
}

func (a *AdminServer) handleRoster(c echo.Context) error {
	return c.JSON(http.StatusOK, a.s.reg.Roster())
}

func (a *AdminServer) handleCatalog(c echo.Context) error {
	entries := a.s.catalog.List()
	type fileInfo struct {
		ID           uint32 `json:"id"`
		Filename     string `json:"filename"`
		Size         int64  `json:"size"`
		UploaderID   uint32 `json:"uploader_id"`
		UploaderName string `json:"uploader_name"`
	}
	out := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, fileInfo{ID: e.ID, Filename: e.Filename, Size: e.Size, UploaderID: e.UploaderID, UploaderName: e.UploaderName})
	}
	return c.JSON(http.StatusOK, out)
}

func (a *AdminServer) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"participants":       a.s.reg.Count(),
		"presenter":          a.s.presenter.Current(),
		"video_dropped":      a.s.video.fanout.Dropped(),
		"audio_dropped":      a.s.audio.fanout.Dropped(),
		"screen_dropped":     a.s.screen.fanout.Dropped(),
		"catalog_file_count": len(a.s.catalog.List()),
	})
}
