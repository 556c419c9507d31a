package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/session"
	"github.com/soundstarrain/LLM-Filter-Probe/internal/verify"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/config"
	"github.com/soundstarrain/LLM-Filter-Probe/pkg/models"
)

// Server is the HTTP polling surface. It carries its collaborators
// explicitly; nothing here is process-global.
type Server struct {
	manager *session.Manager
	store   *config.Store
	logger  *slog.Logger
}

// New wires the HTTP surface to the session manager and settings store.
func New(manager *session.Manager, store *config.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{manager: manager, store: store, logger: logger}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/health", s.health)

		api.GET("/api_config", s.getCredentials)
		api.POST("/api_config", s.saveCredentials)
		api.GET("/settings_config", s.getSettings)
		api.POST("/settings_config", s.saveSettings)

		api.POST("/session/create", s.createSession)
		api.GET("/sessions", s.listSessions)
		api.GET("/session/:sid", s.sessionInfo)
		api.DELETE("/session/:sid", s.deleteSession)

		api.POST("/scan/:sid/start", s.startScan)
		api.GET("/scan/:sid/status", s.scanStatus)
		api.GET("/scan/:sid/results", s.scanResults)
		api.POST("/scan/:sid/cancel", s.cancelScan)

		api.POST("/verify", s.verifyCredentials)
	}
	return r
}

func ok(c *gin.Context, message string, data any) {
	body := gin.H{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	c.JSON(http.StatusOK, body)
}

func fail(c *gin.Context, err error) {
	code := models.CodeOf(err)
	c.JSON(code.HTTPStatus(), gin.H{
		"success":    false,
		"error_code": string(code),
		"message":    err.Error(),
	})
}

func (s *Server) health(c *gin.Context) {
	ok(c, "service healthy", gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getCredentials(c *gin.Context) {
	creds, err := s.store.Credentials()
	if err != nil {
		fail(c, models.WrapError(models.CodeInternal, err, "load credentials"))
		return
	}
	ok(c, "credentials loaded", creds)
}

func (s *Server) saveCredentials(c *gin.Context) {
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		fail(c, models.WrapError(models.CodeConfigInvalid, err, "invalid request body"))
		return
	}
	if err := s.store.SaveCredentials(updates); err != nil {
		fail(c, models.WrapError(models.CodeInternal, err, "save credentials"))
		return
	}
	ok(c, "credentials saved", nil)
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.store.Settings()
	if err != nil {
		fail(c, models.WrapError(models.CodeInternal, err, "load settings"))
		return
	}
	ok(c, "settings loaded", settings)
}

func (s *Server) saveSettings(c *gin.Context) {
	var updates map[string]any
	if err := c.ShouldBindJSON(&updates); err != nil {
		fail(c, models.WrapError(models.CodeConfigInvalid, err, "invalid request body"))
		return
	}
	// Reject invalid combinations before persisting anything. Credentials
	// may legitimately be absent at this point; only validate the full
	// config once they exist.
	if creds, err := s.store.Credentials(); err == nil {
		if url, _ := creds["api_url"].(string); url != "" {
			if _, err := s.store.ScanConfig(updates); err != nil && models.CodeOf(err) == models.CodeConfigInvalid {
				fail(c, err)
				return
			}
		}
	}
	if err := s.store.SaveSettings(updates); err != nil {
		fail(c, models.WrapError(models.CodeInternal, err, "save settings"))
		return
	}
	ok(c, "settings saved", nil)
}

func (s *Server) createSession(c *gin.Context) {
	overrides := map[string]any{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&overrides); err != nil {
			fail(c, models.WrapError(models.CodeConfigInvalid, err, "invalid request body"))
			return
		}
	}
	id, err := s.manager.Create(overrides)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "session created", gin.H{"session_id": id})
}

func (s *Server) listSessions(c *gin.Context) {
	ok(c, "sessions listed", s.manager.List())
}

func (s *Server) sessionInfo(c *gin.Context) {
	sess, err := s.manager.Get(c.Param("sid"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "session info", sess.Info())
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.manager.Delete(c.Param("sid")); err != nil {
		fail(c, err)
		return
	}
	ok(c, "session deleted", nil)
}

type startScanRequest struct {
	Text string `json:"text"`
}

func (s *Server) startScan(c *gin.Context) {
	var req startScanRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		fail(c, models.NewError(models.CodeConfigInvalid, "request body requires a non-empty text field"))
		return
	}
	sess, err := s.manager.Get(c.Param("sid"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := sess.StartScan(req.Text); err != nil {
		fail(c, err)
		return
	}
	ok(c, "scan started", nil)
}

func (s *Server) scanStatus(c *gin.Context) {
	sess, err := s.manager.Get(c.Param("sid"))
	if err != nil {
		fail(c, err)
		return
	}
	status, progress := sess.Status()
	ok(c, "status", gin.H{
		"status":     status,
		"current":    progress.Current,
		"total":      progress.Total,
		"percentage": progress.Percentage,
	})
}

func (s *Server) scanResults(c *gin.Context) {
	sess, err := s.manager.Get(c.Param("sid"))
	if err != nil {
		fail(c, err)
		return
	}
	rows, apiCalls, elapsed, unknownCodes := sess.Results()
	if unknownCodes == nil {
		unknownCodes = []int{}
	}
	ok(c, "results", gin.H{
		"results":              rows,
		"api_calls":            apiCalls,
		"elapsed_time":         elapsed,
		"unknown_status_codes": unknownCodes,
	})
}

func (s *Server) cancelScan(c *gin.Context) {
	sess, err := s.manager.Get(c.Param("sid"))
	if err != nil {
		fail(c, err)
		return
	}
	sess.CancelScan()
	ok(c, "cancellation requested", nil)
}

type verifyRequest struct {
	APIURL string `json:"api_url"`
	APIKey string `json:"api_key"`
	Model  string `json:"model"`
}

func (s *Server) verifyCredentials(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, models.WrapError(models.CodeConfigInvalid, err, "invalid request body"))
		return
	}
	if req.APIURL == "" || req.APIKey == "" || req.Model == "" {
		fail(c, models.NewError(models.CodeConfigMissingField, "api_url, api_key and model are required"))
		return
	}
	result := verify.Credentials(c.Request.Context(), req.APIURL, req.APIKey, req.Model, 15*time.Second, s.logger)
	ok(c, "verification finished", result)
}
