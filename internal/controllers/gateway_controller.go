package controllers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"fleet_dispatch/internal/middleware"
)

// upgrader configures the WebSocket connection.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for development (restrict in production!)
	},
}

// Server-originated event names.
const (
	EventParcelArrived            = "parcel:arrived"
	EventConsolidationOpportunity = "consolidation:opportunity"
	EventVehicleUpdated           = "vehicle:updated"
	EventDecisionMade             = "decision:made"
)

// envelope is the wire format for every server-originated event.
type envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
	Ts    time.Time   `json:"ts"`
}

// clientMessage is what a connected client may send. Only join-room is
// understood; anything else is logged and dropped.
type clientMessage struct {
	Event string `json:"event"`
	Room  string `json:"room"`
}

// clientBufferSize bounds the per-client send queue; events beyond it are
// dropped for that client only.
const clientBufferSize = 16

// writeTimeout bounds how long a single write may hang on a wedged
// connection before the client is dropped.
const writeTimeout = 10 * time.Second

// Gateway fans fleet events out to every connected client.
//
// Delivery is best-effort: events are queued on a bounded channel and
// dropped with a warning when it is full, and there is no acknowledgment
// or replay. Each client has its own buffered send queue drained by its
// own writer goroutine, so a slow or wedged client only loses its own
// events; it cannot delay delivery to other clients or block connection
// bookkeeping. A failed or timed-out write unregisters the client. Rooms
// are tracked for clients that join them, but broadcasts go to all
// connections.
type Gateway struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]chan envelope
	rooms     map[string]map[*websocket.Conn]bool
	broadcast chan envelope
}

// NewGateway creates a Gateway and starts its broadcast loop.
func NewGateway() *Gateway {
	g := &Gateway{
		clients:   make(map[*websocket.Conn]chan envelope),
		rooms:     make(map[string]map[*websocket.Conn]bool),
		broadcast: make(chan envelope, 100),
	}
	go g.run()
	return g
}

// run drains the broadcast channel and hands each event to every client's
// send queue. The per-client sends never block: a full queue means the
// event is dropped for that client.
func (g *Gateway) run() {
	for env := range g.broadcast {
		g.mu.Lock()
		for _, send := range g.clients {
			select {
			case send <- env:
			default:
				logrus.WithField("event", env.Event).
					Warn("Client send queue full, dropping event for slow client.")
			}
		}
		g.mu.Unlock()
	}
}

// writePump drains one client's send queue onto its connection. The write
// deadline guarantees a wedged connection errors out instead of hanging.
func (g *Gateway) writePump(conn *websocket.Conn, send chan envelope) {
	for env := range send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(env); err != nil {
			logrus.WithError(err).WithField("event", env.Event).
				Warn("Failed to deliver event, dropping client.")
			g.Unregister(conn)
			conn.Close()
			return
		}
	}
}

// Register adds a connection to the gateway and starts its writer.
func (g *Gateway) Register(conn *websocket.Conn) {
	send := make(chan envelope, clientBufferSize)
	g.mu.Lock()
	g.clients[conn] = send
	count := len(g.clients)
	g.mu.Unlock()

	go g.writePump(conn, send)
	logrus.WithField("clients", count).Info("Gateway client connected.")
}

// Unregister removes a connection and any room memberships it holds.
// Safe to call more than once per connection.
func (g *Gateway) Unregister(conn *websocket.Conn) {
	g.mu.Lock()
	send, registered := g.clients[conn]
	if registered {
		g.removeLocked(conn)
	}
	count := len(g.clients)
	g.mu.Unlock()

	if registered {
		close(send)
		logrus.WithField("clients", count).Info("Gateway client disconnected.")
	}
}

func (g *Gateway) removeLocked(conn *websocket.Conn) {
	delete(g.clients, conn)
	for room, members := range g.rooms {
		delete(members, conn)
		if len(members) == 0 {
			delete(g.rooms, room)
		}
	}
}

// JoinRoom records a connection as a member of a named room.
func (g *Gateway) JoinRoom(conn *websocket.Conn, room string) {
	if room == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.rooms[room]; !ok {
		g.rooms[room] = make(map[*websocket.Conn]bool)
	}
	g.rooms[room][conn] = true
	logrus.WithField("room", room).Info("Gateway client joined room.")
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// RoomSize returns the number of connections in a room.
func (g *Gateway) RoomSize(room string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms[room])
}

// publish queues an event for broadcast, dropping it when the buffer is full.
func (g *Gateway) publish(event string, data interface{}) {
	env := envelope{Event: event, Data: data, Ts: time.Now()}
	select {
	case g.broadcast <- env:
	default:
		logrus.WithField("event", event).
			Warn("Broadcast channel full, dropping event.")
	}
}

// EmitParcelArrived notifies clients that a parcel reached a handoff point.
func (g *Gateway) EmitParcelArrived(data interface{}) {
	g.publish(EventParcelArrived, data)
}

// EmitConsolidationOpportunity notifies clients of a possible load merge.
func (g *Gateway) EmitConsolidationOpportunity(data interface{}) {
	g.publish(EventConsolidationOpportunity, data)
}

// EmitVehicleUpdated notifies clients that a vehicle record changed.
func (g *Gateway) EmitVehicleUpdated(data interface{}) {
	g.publish(EventVehicleUpdated, data)
}

// EmitDecisionMade notifies clients that a dispatch decision was recorded.
func (g *Gateway) EmitDecisionMade(data interface{}) {
	g.publish(EventDecisionMade, data)
}

// EventGateway is the process-wide gateway instance.
var EventGateway = NewGateway()

// HandleEventsWebSocket upgrades an authenticated request and serves the
// event stream until the client goes away.
// @Summary WebSocket endpoint for fleet event notifications
// @Description Establishes a WebSocket connection carrying fleet events.
// @Produce json
// @Router /ws/events [get]
// @Tags WebSocket
// @Param token query string true "JWT token for authentication"
func HandleEventsWebSocket(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		logrus.Warn("WebSocket connection attempt: Missing token query parameter.")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authentication token"})
		return
	}
	claims, err := middleware.ValidateToken(tokenString)
	if err != nil {
		logrus.WithError(err).Warn("WebSocket connection attempt: invalid token.")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Error("Failed to upgrade WebSocket connection.")
		return
	}
	defer conn.Close()

	EventGateway.Register(conn)
	defer EventGateway.Unregister(conn)

	username, _ := claims["username"].(string)
	logrus.WithField("username", username).Info("Event stream opened.")

	for {
		messageType, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logrus.WithField("username", username).Info("Event stream closed by client.")
			} else {
				logrus.WithError(err).WithField("username", username).Error("Error reading WebSocket message.")
			}
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(p, &msg); err != nil {
			logrus.WithField("payload", string(p)).Warn("Unparseable client message. Ignoring.")
			continue
		}
		if msg.Event == "join-room" {
			EventGateway.JoinRoom(conn, msg.Room)
			continue
		}
		logrus.WithField("event", msg.Event).Warn("Unknown client event. Ignoring.")
	}
}
