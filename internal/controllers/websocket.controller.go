package controllers

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"zfsdash/internal/middleware"
	"zfsdash/internal/models"
	"zfsdash/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// close frame reasons are limited to 123 bytes
	maxCloseReason = 123
)

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if u, err := url.Parse(origin); err == nil && u.Host == r.Host {
				return true
			}
			return middleware.OriginAllowed(origin, allowedOrigins)
		},
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	conn.Close()
}

// IOStatController serves the upstream iostat feed the store consumes
type IOStatController struct {
	Source   services.IOStatSource
	Interval time.Duration
	upgrader websocket.Upgrader
}

// NewIOStatController creates the feed endpoint backed by source
func NewIOStatController(source services.IOStatSource, interval time.Duration, allowedOrigins []string) *IOStatController {
	return &IOStatController{Source: source, Interval: interval, upgrader: newUpgrader(allowedOrigins)}
}

// HandleIOStat streams iostat records for ?pool=<name> until either side
// goes away
func (ic *IOStatController) HandleIOStat(c *gin.Context) {
	pool := c.Query("pool")

	ws, err := ic.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[IOSTAT] Upgrade error: %v", err)
		return
	}

	if pool == "" {
		closeWith(ws, websocket.ClosePolicyViolation, "Missing pool parameter")
		return
	}
	if err := services.ValidatePoolName(pool); err != nil {
		closeWith(ws, websocket.ClosePolicyViolation, err.Error())
		return
	}

	log.Printf("[IOSTAT] stream started for pool %s (%s source)", pool, ic.Source.Name())

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Drain client frames so close and ping control messages are processed
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	err = ic.Source.Stream(ctx, pool, ic.Interval, func(msg models.IOStatMessage) error {
		data, err := services.EncodeIOStat(msg)
		if err != nil {
			return err
		}
		if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return ws.WriteMessage(websocket.TextMessage, data)
	})

	if err != nil && ctx.Err() == nil {
		log.Printf("[IOSTAT] %s: %v", pool, err)
		closeWith(ws, websocket.CloseInternalServerErr, err.Error())
		return
	}
	log.Printf("[IOSTAT] stream ended for pool %s", pool)
	closeWith(ws, websocket.CloseNormalClosure, "")
}

// LiveController pushes store updates to dashboard browsers
type LiveController struct {
	Hub      *services.LiveHub
	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

// NewLiveController creates the dashboard push endpoint
func NewLiveController(hub *services.LiveHub, allowedOrigins []string) *LiveController {
	return &LiveController{Hub: hub, upgrader: newUpgrader(allowedOrigins)}
}

// HandleLive upgrades a dashboard connection watching ?pool=<name>.
// Query params: window=60|300|900|1800|3600 for the initial history (default: 300)
func (lc *LiveController) HandleLive(c *gin.Context) {
	pool := c.Query("pool")
	if err := services.ValidatePoolName(pool); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	window, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ws, err := lc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	client := &services.ClientConnection{
		ID:     fmt.Sprintf("%s-%d", c.ClientIP(), lc.nextID.Add(1)),
		Pool:   pool,
		Window: window,
		Conn:   ws,
		Send:   make(chan services.LiveMessage, 64),
	}

	lc.Hub.Register(client)

	go writePump(client)
	go readPump(client, lc.Hub)
}

// readPump reads (and discards) client frames until the socket closes
func readPump(client *services.ClientConnection, hub *services.LiveHub) {
	defer func() {
		hub.Unregister(client.ID)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(4096)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] WebSocket error: %v", err)
			}
			return
		}
	}
}

// writePump writes hub messages and keepalive pings to the client
func writePump(client *services.ClientConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[WS] Write error: %v", err)
				}
				return
			}

		case <-ticker.C:
			_ = client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
