// Partyvote
//
// Players join a shared lobby via a short code, and the host starts a
// round-based voting game: each round, three images are drawn from a shared
// pool, and every player assigns one image to each of three categories
// (shoot, shag, marry). Majority picks win; matching the majority in all
// three categories earns a point.
//
// Features:
// - HTTP API to create and join lobbies, WebSockets per lobby code
// - Host-only start/restart, with at least 2 players and 3 pool images
// - Phase progression driven by server timers, broadcast to all clients
// - First complete vote per player per round stands
// - Deterministic majority tallying in first-vote-received order
// - Disconnected players are kept on the roster mid-round and reaped by a
//   grace-period sweep; leaving outside a round removes immediately
// - Host leaving outside a round closes the whole session
// - Random 6-char lobby codes via crypto/rand, with collision check
// - In-browser QR button to share the current lobby, backed by go-qrcode

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// wsMessage is the envelope for every event in either direction.
type wsMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// clientMessage covers everything clients send after attaching.
type clientMessage struct {
	Event string `json:"event"` // "start-game", "restart-game", "cast-vote", "leave-session"
	Vote  *Vote  `json:"vote,omitempty"`
}

type Client struct {
	id       string
	username string
	conn     *websocket.Conn
	send     chan wsMessage
}

// trySend queues a unicast message, dropping it if the client is lagging.
func (c *Client) trySend(msg wsMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

// encodePayload marshals data while the caller holds the session lock, so
// queued messages never reference live session state when writePump
// encodes them later.
func encodePayload(data any) any {
	if data == nil {
		return nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return json.RawMessage(encoded)
}

func (s *Session) broadcastLocked(msg wsMessage) {
	msg.Data = encodePayload(msg.Data)

	for client := range s.clients {
		select {
		case client.send <- msg:
		default:
			delete(s.clients, client)
			close(client.send)
		}
	}
}

// BroadcastLobby sends the current roster to every attached client.
func (s *Session) BroadcastLobby() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.broadcastLocked(wsMessage{Event: "lobby-updated", Data: s.lobby})
}

// Attach connects a client's real-time channel to the session. The
// username must already be on the roster (via create or join); attaching
// marks it connected and syncs current lobby and game state to the client.
func (s *Session) Attach(cfg *Config, c *Client) error {
	if s.reg != nil && !s.reg.Alive(s.lobby.Code) {
		return errNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.lobby.participant(c.username)
	if p == nil {
		return errNotFound
	}

	s.clients[c] = true
	p.Connected = true
	p.disconnectedAt = time.Time{}
	s.touchLocked()

	s.broadcastLocked(wsMessage{Event: "lobby-updated", Data: s.lobby})

	if s.game != nil {
		c.trySend(wsMessage{Event: "game-started", Data: encodePayload(map[string]any{
			"lobby":     s.lobby,
			"gameState": s.game,
		})})
	}

	return nil
}

// Detach handles a client leaving or losing its socket. Outside a round
// (no game, or the game is waiting/ended) the participant is removed
// immediately, and losing the host or the last member closes the session.
// Mid-round the participant is only marked disconnected, so an in-progress
// round is never corrupted; the grace sweep removes them later.
func (s *Session) Detach(cfg *Config, c *Client) {
	s.mu.Lock()

	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}

	// A reconnect leaves the old socket to close late; if the username
	// still has another live client, the roster stays untouched.
	for other := range s.clients {
		if other.username == c.username {
			s.mu.Unlock()
			return
		}
	}

	p := s.lobby.participant(c.username)
	if p == nil {
		s.mu.Unlock()
		return
	}

	s.touchLocked()

	g := s.game
	if g != nil && g.Phase != PhaseWaiting && g.Phase != PhaseEnded {
		p.Connected = false
		p.disconnectedAt = time.Now()
		s.broadcastLocked(wsMessage{Event: "lobby-updated", Data: s.lobby})
		s.mu.Unlock()

		logf(cfg, "GAMES: Player %q disconnected from %s mid-round", c.username, s.lobby.Code)
		return
	}

	kept := s.lobby.Participants[:0]
	for _, member := range s.lobby.Participants {
		if member.Username == c.username {
			continue
		}
		kept = append(kept, member)
	}
	s.lobby.Participants = kept
	if g != nil {
		delete(g.Scores, c.username)
	}

	code := s.lobby.Code
	closing := c.username == s.lobby.Host || len(s.lobby.Participants) == 0

	if closing {
		s.broadcastLocked(wsMessage{Event: "lobby-closed"})
	} else {
		s.broadcastLocked(wsMessage{Event: "lobby-updated", Data: s.lobby})
	}
	s.mu.Unlock()

	logf(cfg, "GAMES: Player %q left %s", c.username, code)

	if closing {
		logf(cfg, "GAMES: Closing session %s", code)
		s.reg.DeleteSession(code)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (c *Client) readPump(cfg *Config, pool *ImagePool, s *Session) {
	defer func() {
		s.Detach(cfg, c)
		_ = c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Event {
		case "start-game", "restart-game":
			if err := s.StartGame(cfg, pool, c.username); err != nil {
				c.trySend(wsMessage{Event: "error", Data: map[string]string{"message": err.Error()}})
			}
		case "cast-vote":
			if msg.Vote == nil {
				c.trySend(wsMessage{Event: "error", Data: map[string]string{"message": "vote payload missing"}})
				continue
			}
			if err := s.CastVote(c.username, *msg.Vote); err != nil {
				c.trySend(wsMessage{Event: "error", Data: map[string]string{"message": err.Error()}})
			}
		case "leave-session":
			return
		default:
			// ignore unknown events
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

type joinPayload struct {
	Username string `json:"username"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func serveCreateLobby(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var payload joinPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		username := strings.TrimSpace(payload.Username)

		session, err := reg.CreateLobby(username)
		if err != nil {
			http.Error(w, "username is required", http.StatusBadRequest)
			return
		}

		lobby, _ := reg.GetLobby(session.lobby.Code)

		logf(cfg, "GAMES: Created lobby %s for %q (%s)", lobby.Code, username, realIP(r))

		writeJSON(w, http.StatusOK, map[string]any{
			"code":  lobby.Code,
			"lobby": lobby,
		})
	}
}

func serveJoinLobby(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		var payload joinPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		username := strings.TrimSpace(payload.Username)

		session, reconnection, err := reg.JoinLobby(code, username)
		switch {
		case err == nil:
		case errors.Is(err, errNotFound):
			http.Error(w, "no such lobby", http.StatusNotFound)
			return
		default:
			http.Error(w, "username is required", http.StatusBadRequest)
			return
		}

		session.BroadcastLobby()

		lobby, _ := reg.GetLobby(code)

		logf(cfg, "GAMES: Player %q joined %s (reconnection=%t)", username, code, reconnection)

		writeJSON(w, http.StatusOK, map[string]any{
			"lobby":        lobby,
			"reconnection": reconnection,
		})
	}
}

// serveLobbyState returns a snapshot of a lobby and any active game, for
// clients re-syncing after a page reload.
func serveLobbyState(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))

		lobby, ok := reg.GetLobby(code)
		if !ok {
			http.Error(w, "no such lobby", http.StatusNotFound)
			return
		}

		body := map[string]any{"lobby": lobby}
		if game, ok := reg.GetGame(code); ok {
			body["gameState"] = game
		}

		writeJSON(w, http.StatusOK, body)
	}
}

// serveWS attaches a joined player's real-time channel to their session.
func serveWS(cfg *Config, reg *Registry, pool *ImagePool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(ps.ByName("code"))
		username := strings.TrimSpace(r.URL.Query().Get("username"))
		if username == "" {
			http.Error(w, "missing username", http.StatusBadRequest)
			return
		}

		session, ok := reg.Get(code)
		if !ok {
			http.Error(w, "no such lobby", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: Upgrade failed for %s: %v", code, err)
			return
		}

		client := &Client{
			id:       uuid.NewString(),
			username: username,
			conn:     conn,
			send:     make(chan wsMessage, 8),
		}

		if err := session.Attach(cfg, client); err != nil {
			_ = conn.WriteJSON(wsMessage{Event: "error", Data: map[string]string{"message": "join the lobby before attaching"}})
			_ = conn.Close()
			return
		}

		logf(cfg, "GAMES: Player %q attached to %s (session %s)", username, code, client.id)

		go client.writePump()
		client.readPump(cfg, pool, session)
	}
}

// serveImage exposes pool images to clients. Only names currently in the
// pool are served, so the rest of the directory stays private.
func serveImage(cfg *Config, pool *ImagePool) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		name := ps.ByName("name")
		if name != filepath.Base(name) || !pool.Contains(name) {
			http.Error(w, "no such image", http.StatusNotFound)
			return
		}

		data, err := os.ReadFile(filepath.Join(cfg.imageDir, name))
		if err != nil {
			http.Error(w, "no such image", http.StatusNotFound)
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Header().Set("Content-Type", imageContentType(name))

		_, _ = w.Write(data)
	}
}

// qrHandler generates a PNG QR code for the current lobby URL.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing lobby code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:code/qr; strip trailing "/qr" to get the lobby URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerVoteGame sets up routes so that:
//   - $path                      → HTML client (create flow)
//   - $path/:code                → HTML client (join flow)
//   - $path/:code/ws             → WebSocket for that lobby
//   - $path/:code/qr             → PNG QR code for that lobby URL
//   - /api$path/lobby            → create a lobby
//   - /api$path/lobby/:code      → lobby/game snapshot
//   - /api$path/lobby/:code/join → join a lobby
//   - /images/:name              → pool image files
func registerVoteGame(cfg *Config, path string, reg *Registry, pool *ImagePool, mux *httprouter.Router) {
	mux.GET(cfg.prefix+path, serveClientPage(cfg))
	mux.GET(cfg.prefix+path+"/:code", serveClientPage(cfg))

	mux.POST(cfg.prefix+"/api"+path+"/lobby", serveCreateLobby(cfg, reg))
	mux.GET(cfg.prefix+"/api"+path+"/lobby/:code", serveLobbyState(cfg, reg))
	mux.POST(cfg.prefix+"/api"+path+"/lobby/:code/join", serveJoinLobby(cfg, reg))

	mux.GET(cfg.prefix+path+"/:code/ws", serveWS(cfg, reg, pool))
	mux.GET(cfg.prefix+path+"/:code/qr", qrHandler)

	mux.GET(cfg.prefix+"/images/:name", serveImage(cfg, pool))
}
