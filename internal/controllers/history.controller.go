package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"zfsdash/internal/models"
	"zfsdash/internal/services"

	"github.com/gin-gonic/gin"
)

// Display windows the dashboard offers, in seconds
var allowedWindows = map[int]bool{60: true, 300: true, 900: true, 1800: true, 3600: true}

const defaultWindow = 300

// PoolsController serves the consumer API over the live metrics store
type PoolsController struct {
	Store *services.Store
}

// NewPoolsController wires a controller to store
func NewPoolsController(store *services.Store) *PoolsController {
	return &PoolsController{Store: store}
}

// poolParam validates the :name path parameter, writing a 400 on failure
func poolParam(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if err := services.ValidatePoolName(name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return name, true
}

// parseWindow reads the window query param (seconds), default 300
func parseWindow(c *gin.Context) (int, error) {
	window, err := strconv.Atoi(c.DefaultQuery("window", strconv.Itoa(defaultWindow)))
	if err != nil || !allowedWindows[window] {
		return 0, errors.New("window must be one of 60, 300, 900, 1800, 3600")
	}
	return window, nil
}

// Connect starts (or joins) the live feed for a pool
func (pc *PoolsController) Connect(c *gin.Context) {
	name, ok := poolParam(c)
	if !ok {
		return
	}

	pc.Store.Connect(name)
	status := pc.Store.Status(name)
	c.JSON(http.StatusAccepted, gin.H{
		"pool":   name,
		"status": status,
		"label":  status.Label(),
	})
}

// Release drops one reference on the pool's feed
func (pc *PoolsController) Release(c *gin.Context) {
	name, ok := poolParam(c)
	if !ok {
		return
	}

	pc.Store.Release(name)
	c.JSON(http.StatusOK, pc.Store.Info(name))
}

// GetHistory returns the buffered samples for a display window
// Query params: window=60|300|900|1800|3600 (default: 300)
func (pc *PoolsController) GetHistory(c *gin.Context) {
	name, ok := poolParam(c)
	if !ok {
		return
	}
	window, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	info, samples := pc.Store.History(name, window)
	c.JSON(http.StatusOK, models.HistoryWindow{
		Pool:      name,
		Window:    window,
		Status:    info.Status,
		Connected: info.Status == models.StatusOpen,
		Error:     info.LastError,
		Samples:   samples,
	})
}

// GetStatus returns feed status, retry and buffer details for a pool
func (pc *PoolsController) GetStatus(c *gin.Context) {
	name, ok := poolParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, pc.Store.Info(name))
}

// ListFeeds returns the status of every pool the store has seen
func (pc *PoolsController) ListFeeds(c *gin.Context) {
	names := pc.Store.Resources()
	feeds := make([]models.FeedInfo, 0, len(names))
	for _, name := range names {
		feeds = append(feeds, pc.Store.Info(name))
	}
	c.JSON(http.StatusOK, gin.H{"feeds": feeds})
}
