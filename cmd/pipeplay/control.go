package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/erparts/pipeplay"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// commandQueueSize bounds the commands waiting for the render loop.
const commandQueueSize = 16

// Command is a player operation requested remotely.
// It's applied by the render loop on its next update.
type Command struct {
	Name       string
	Seconds    float64
	Volume     float64
	Resolution pipeplay.Resolution
}

// Status is the player snapshot served by the control API.
type Status struct {
	State        string         `json:"state"`
	Position     float64        `json:"position"`
	Duration     float64        `json:"duration"`
	CurrentFrame int            `json:"current_frame"`
	TotalFrames  int            `json:"total_frames"`
	FrameRate    float64        `json:"frame_rate"`
	Volume       float64        `json:"volume"`
	Muted        bool           `json:"muted"`
	Stats        pipeplay.Stats `json:"stats"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Control is the remote control HTTP API.
type Control struct {
	router   *gin.Engine
	commands chan Command

	mu     sync.RWMutex
	status Status
}

// NewControl returns the control API serving
// the metrics gathered by gatherer.
func NewControl(gatherer prometheus.Gatherer) *Control {
	c := &Control{
		commands: make(chan Command, commandQueueSize),
	}

	c.setupRoutes(gatherer)
	return c
}

func (c *Control) setupRoutes(gatherer prometheus.Gatherer) {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api")
	{
		api.GET("/status", c.handleStatus)
		api.POST("/play", c.handleSimple("play"))
		api.POST("/pause", c.handleSimple("pause"))
		api.POST("/unpause", c.handleSimple("unpause"))
		api.POST("/stop", c.handleSimple("stop"))
		api.POST("/mute", c.handleSimple("mute"))
		api.POST("/unmute", c.handleSimple("unmute"))
		api.POST("/seek", c.handleSeek)
		api.POST("/volume", c.handleVolume)
		api.POST("/resize", c.handleResize)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	c.router = router
}

// Handler returns the HTTP handler of the API.
func (c *Control) Handler() http.Handler {
	return c.router
}

// Commands returns the queue of pending commands.
func (c *Control) Commands() <-chan Command {
	return c.commands
}

// Publish replaces the served status.
func (c *Control) Publish(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Control) enqueue(ctx *gin.Context, cmd Command) {
	select {
	case c.commands <- cmd:
		ctx.JSON(http.StatusAccepted, gin.H{"command": cmd.Name})
	default:
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many pending commands"})
	}
}

func (c *Control) handleStatus(ctx *gin.Context) {
	c.mu.RLock()
	status := c.status
	c.mu.RUnlock()

	ctx.JSON(http.StatusOK, status)
}

func (c *Control) handleSimple(name string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		c.enqueue(ctx, Command{Name: name})
	}
}

type seekRequest struct {
	Seconds *float64 `json:"seconds" binding:"required"`
}

func (c *Control) handleSeek(ctx *gin.Context) {
	var req seekRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.enqueue(ctx, Command{Name: "seek", Seconds: *req.Seconds})
}

type volumeRequest struct {
	Volume *float64 `json:"volume" binding:"required"`
}

func (c *Control) handleVolume(ctx *gin.Context) {
	var req volumeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.enqueue(ctx, Command{Name: "volume", Volume: *req.Volume})
}

func (c *Control) handleResize(ctx *gin.Context) {
	var res pipeplay.Resolution
	if err := ctx.ShouldBindJSON(&res); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !res.Valid() {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": pipeplay.ErrInvalidResolution.Error()})
		return
	}

	c.enqueue(ctx, Command{Name: "resize", Resolution: res})
}

// apply runs the command on the player.
func apply(p *pipeplay.Player, cmd Command) error {
	switch cmd.Name {
	case "play":
		return p.Play()
	case "pause":
		p.Pause()
	case "unpause":
		return p.Unpause()
	case "stop":
		p.Stop()
	case "mute":
		p.Mute()
	case "unmute":
		p.Unmute()
	case "seek":
		return p.SetPosition(cmd.Seconds)
	case "volume":
		p.SetVolume(cmd.Volume)
	case "resize":
		return p.Resize(cmd.Resolution)
	}

	return nil
}

// snapshot builds the status of the player.
func snapshot(p *pipeplay.Player) Status {
	meta := p.Metadata()

	return Status{
		State:        p.State().String(),
		Position:     p.Position().Seconds(),
		Duration:     meta.Seconds(meta.TotalFrames),
		CurrentFrame: p.CurrentIndex(),
		TotalFrames:  meta.TotalFrames,
		FrameRate:    meta.FrameRate,
		Volume:       p.Volume(),
		Muted:        p.IsMuted(),
		Stats:        p.Stats(),
		UpdatedAt:    time.Now(),
	}
}
