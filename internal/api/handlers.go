package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"sget/internal/client"
	"sget/internal/task"
)

type proxyRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type addDownloadRequest struct {
	URL              string        `json:"url"`
	Folder           string        `json:"folder"`
	FileName         string        `json:"file_name"`
	Username         string        `json:"username"`
	Password         string        `json:"password"`
	Proxy            *proxyRequest `json:"proxy"`
	Start            bool          `json:"start"`
	OpenOnCompletion bool          `json:"open_on_completion"`
	Overwrite        bool          `json:"overwrite"`
}

type concurrencyRequest struct {
	Max int `json:"max"`
}

type speedLimitRequest struct {
	BytesPerSecond int64 `json:"bytes_per_second"`
}

type settingsResponse struct {
	MaxDownloads int   `json:"max_downloads"`
	SpeedLimit   int64 `json:"speed_limit"`
}

type downloadResponse struct {
	ID             string      `json:"id"`
	URL            string      `json:"url"`
	FileName       string      `json:"file_name"`
	Folder         string      `json:"folder"`
	Status         task.Status `json:"status"`
	StatusMessage  string      `json:"status_message,omitempty"`
	HasError       bool        `json:"has_error"`
	FileSize       int64       `json:"file_size"`
	DownloadedSize int64       `json:"downloaded_size"`
	CachedSize     int64       `json:"cached_size"`
	Percent        float64     `json:"percent"`
	SupportsRange  bool        `json:"supports_range"`
	Speed          int64       `json:"speed"`
	SmoothedSpeed  int64       `json:"smoothed_speed"`
	AverageSpeed   int64       `json:"average_speed"`
	RateLimit      int64       `json:"rate_limit"`
	ETASeconds     float64     `json:"eta_seconds"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
	AddedAt        string      `json:"added_at"`
	CompletedAt    string      `json:"completed_at,omitempty"`
	ProxyHost      string      `json:"proxy_host,omitempty"`
}

type API struct {
	taskManager *task.Manager
}

func NewAPI(taskManager *task.Manager) *API {
	return &API{taskManager: taskManager}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/downloads", a.ListDownloads)
		api.POST("/downloads", a.AddDownload)
		api.GET("/downloads/:id", a.GetDownload)
		api.POST("/downloads/:id/start", a.StartDownload)
		api.POST("/downloads/:id/pause", a.PauseDownload)
		api.POST("/downloads/:id/restart", a.RestartDownload)
		api.DELETE("/downloads/:id", a.DeleteDownload)
		api.GET("/totals", a.Totals)
		api.GET("/settings", a.GetSettings)
		api.PUT("/settings/concurrency", a.SetConcurrency)
		api.PUT("/settings/speed-limit", a.SetSpeedLimit)
		api.GET("/events", a.Events)
	}
}

// ListDownloads returns every download in insertion order
func (a *API) ListDownloads(c *gin.Context) {
	snaps := a.taskManager.List()
	out := make([]downloadResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, toDownloadResponse(s))
	}
	c.JSON(http.StatusOK, out)
}

// AddDownload registers a new download
func (a *API) AddDownload(c *gin.Context) {
	var req addDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid add download request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	add := task.AddRequest{
		URL:              req.URL,
		Folder:           req.Folder,
		FileName:         req.FileName,
		StartImmediately: req.Start,
		OpenOnCompletion: req.OpenOnCompletion,
		Overwrite:        req.Overwrite,
	}
	if req.Username != "" {
		add.Credentials = &client.Credentials{Username: req.Username, Password: req.Password}
	}
	if req.Proxy != nil && req.Proxy.Host != "" {
		add.Proxy = &client.Proxy{
			Host:     req.Proxy.Host,
			Port:     req.Proxy.Port,
			Username: req.Proxy.Username,
			Password: req.Proxy.Password,
		}
	}

	id, err := a.taskManager.AddTask(add)
	if err != nil && id == "" {
		a.writeError(c, "", err)
		return
	}
	if err != nil {
		// Registered but could not start; the task carries the reason.
		log.Warn().Str("task_id", id).Err(err).Msg("download added but not started")
	}
	snap, _ := a.taskManager.GetTask(id)
	c.JSON(http.StatusCreated, toDownloadResponse(snap))
}

// GetDownload returns one download
func (a *API) GetDownload(c *gin.Context) {
	id := c.Param("id")
	if snap, ok := a.taskManager.GetTask(id); ok {
		c.JSON(http.StatusOK, toDownloadResponse(snap))
		return
	}
	a.writeError(c, id, task.ErrTaskNotFound)
}

func (a *API) StartDownload(c *gin.Context) {
	a.applyAction(c, "start", a.taskManager.Start)
}

func (a *API) PauseDownload(c *gin.Context) {
	a.applyAction(c, "pause", a.taskManager.Pause)
}

func (a *API) RestartDownload(c *gin.Context) {
	a.applyAction(c, "restart", a.taskManager.Restart)
}

func (a *API) applyAction(c *gin.Context, name string, action func(string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		a.writeError(c, id, err)
		return
	}
	log.Info().Str("task_id", id).Str("action", name).Msg("download action applied")
	snap, _ := a.taskManager.GetTask(id)
	c.JSON(http.StatusOK, toDownloadResponse(snap))
}

// DeleteDownload stops and forgets a download. remove_file=true also
// deletes the completed file.
func (a *API) DeleteDownload(c *gin.Context) {
	id := c.Param("id")
	removeFile, _ := strconv.ParseBool(c.Query("remove_file"))
	if err := a.taskManager.Delete(c.Request.Context(), id, removeFile); err != nil {
		a.writeError(c, id, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) Totals(c *gin.Context) {
	c.JSON(http.StatusOK, a.taskManager.Totals())
}

func (a *API) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, a.settings())
}

func (a *API) SetConcurrency(c *gin.Context) {
	var req concurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := a.taskManager.SetConcurrencyLimit(req.Max); err != nil {
		a.writeError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, a.settings())
}

func (a *API) SetSpeedLimit(c *gin.Context) {
	var req speedLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	a.taskManager.SetAggregateSpeedLimit(req.BytesPerSecond)
	c.JSON(http.StatusOK, a.settings())
}

func (a *API) settings() settingsResponse {
	return settingsResponse{
		MaxDownloads: a.taskManager.ConcurrencyLimit(),
		SpeedLimit:   a.taskManager.AggregateSpeedLimit(),
	}
}

func (a *API) writeError(c *gin.Context, id string, err error) {
	status := statusFor(err)
	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Str("task_id", id).Err(err).Int("status", status).Msg("download request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidURL),
		errors.Is(err, task.ErrInvalidPath),
		errors.Is(err, task.ErrInvalidLimit):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrTaskActive),
		errors.Is(err, task.ErrInvalidState),
		errors.Is(err, task.ErrPathInUse),
		errors.Is(err, task.ErrFileExists),
		errors.Is(err, task.ErrResumeUnsupported):
		return http.StatusConflict
	case errors.Is(err, task.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func toDownloadResponse(s task.Snapshot) downloadResponse {
	resp := downloadResponse{
		ID:             s.ID,
		URL:            s.URL,
		FileName:       s.FileName,
		Folder:         s.Folder,
		Status:         s.Status,
		StatusMessage:  s.StatusMessage,
		HasError:       s.HasError,
		FileSize:       s.FileSize,
		DownloadedSize: s.DownloadedSize,
		CachedSize:     s.CachedSize,
		Percent:        s.Percent(),
		SupportsRange:  s.SupportsRange,
		Speed:          s.Speed,
		SmoothedSpeed:  s.SmoothedSpeed,
		AverageSpeed:   s.AverageSpeed(),
		RateLimit:      s.RateLimit,
		ETASeconds:     s.ETA.Seconds(),
		ElapsedSeconds: s.ElapsedActive.Seconds(),
		AddedAt:        s.AddedAt.UTC().Format(time.RFC3339),
	}
	if !s.CompletedAt.IsZero() {
		resp.CompletedAt = s.CompletedAt.UTC().Format(time.RFC3339)
	}
	if s.Proxy != nil {
		resp.ProxyHost = s.Proxy.Host
	}
	return resp
}
