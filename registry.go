package main

import (
	"context"
	"crypto/rand"
	"sync"
	"time"
)

// Participant is one member of a lobby roster. Connected flips as the
// member's websocket attaches and detaches; disconnectedAt feeds the grace
// sweep while a game is in progress.
type Participant struct {
	Username  string `json:"username"`
	IsHost    bool   `json:"isHost"`
	Connected bool   `json:"connected"`

	disconnectedAt time.Time
}

// Lobby is the pre-game roster keyed by a short join code. Exactly one
// participant is the host, and the host remains a member for as long as the
// lobby exists.
type Lobby struct {
	Code         string         `json:"code"`
	Host         string         `json:"host"`
	Participants []*Participant `json:"participants"`
	CreatedAt    time.Time      `json:"createdAt"`
	GameStarted  bool           `json:"gameStarted"`
}

func (l *Lobby) participant(username string) *Participant {
	for _, p := range l.Participants {
		if p.Username == username {
			return p
		}
	}
	return nil
}

// Session bundles everything keyed by one lobby code: the roster, the
// optional active game, and the websocket clients attached to it. All of it
// is guarded by mu; nothing in a session is shared across sessions.
type Session struct {
	reg *Registry

	mu         sync.Mutex
	lobby      *Lobby
	game       *Game
	clients    map[*Client]bool
	lastActive time.Time

	// timing overrides defaultTiming for games started on this session.
	timing *gameTiming
}

func (s *Session) touchLocked() {
	s.lastActive = time.Now()
}

// Registry owns the code → session map. It is created once at startup and
// handed to everything that needs lookups; scheduled callbacks use Alive to
// notice that their session was torn down while they slept.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// newLobbyCode generates a crypto-random join code and ensures it doesn't
// collide with a live session.
func (r *Registry) newLobbyCode() string {
	const letters = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	for {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 6)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		code := string(out)

		r.mu.Lock()
		_, exists := r.sessions[code]
		r.mu.Unlock()

		if !exists {
			return code
		}
	}
}

// CreateLobby registers a new session whose only participant is the host.
func (r *Registry) CreateLobby(username string) (*Session, error) {
	if username == "" {
		return nil, errInvalidInput
	}

	code := r.newLobbyCode()
	now := time.Now()

	session := &Session{
		reg: r,
		lobby: &Lobby{
			Code: code,
			Host: username,
			Participants: []*Participant{{
				Username: username,
				IsHost:   true,
			}},
			CreatedAt: now,
		},
		clients:    make(map[*Client]bool),
		lastActive: now,
	}

	r.mu.Lock()
	r.sessions[code] = session
	r.mu.Unlock()

	return session, nil
}

// JoinLobby adds username to the roster, or marks an existing participant
// as connected again. The second return reports a reconnection. If a game
// is already attached, a first-time joiner starts with a zero score.
func (r *Registry) JoinLobby(code, username string) (*Session, bool, error) {
	if username == "" {
		return nil, false, errInvalidInput
	}

	session, ok := r.Get(code)
	if !ok {
		return nil, false, errNotFound
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	session.touchLocked()

	if p := session.lobby.participant(username); p != nil {
		p.Connected = true
		p.disconnectedAt = time.Time{}
		return session, true, nil
	}

	session.lobby.Participants = append(session.lobby.Participants, &Participant{
		Username:  username,
		Connected: true,
	})

	if session.game != nil {
		if _, ok := session.game.Scores[username]; !ok {
			session.game.Scores[username] = 0
		}
	}

	return session, false, nil
}

func (r *Registry) Get(code string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[code]
	return session, ok
}

// GetLobby returns a point-in-time copy of the roster for code, safe to
// read or encode without the session lock.
func (r *Registry) GetLobby(code string) (Lobby, bool) {
	session, ok := r.Get(code)
	if !ok {
		return Lobby{}, false
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	lobby := *session.lobby
	lobby.Participants = make([]*Participant, len(session.lobby.Participants))
	for i, p := range session.lobby.Participants {
		member := *p
		lobby.Participants[i] = &member
	}

	return lobby, true
}

// GetGame returns a point-in-time copy of the active game for code.
func (r *Registry) GetGame(code string) (Game, bool) {
	session, ok := r.Get(code)
	if !ok {
		return Game{}, false
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.game == nil {
		return Game{}, false
	}

	game := *session.game
	game.Scores = make(map[string]int, len(session.game.Scores))
	for username, score := range session.game.Scores {
		game.Scores[username] = score
	}
	game.votes = nil
	game.voteOrder = nil
	game.timer = nil

	return game, true
}

// Alive reports whether the code still maps to a session. Every delayed
// callback checks this before touching state, so timers that outlive their
// session become no-ops instead of resurrecting deleted state.
func (r *Registry) Alive(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.sessions[code]
	return ok
}

// DeleteSession removes both the lobby and any game for code, cancelling
// the game's live timer first and disconnecting every attached client.
func (r *Registry) DeleteSession(code string) {
	r.mu.Lock()
	session, ok := r.sessions[code]
	if ok {
		delete(r.sessions, code)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	session.mu.Lock()
	if session.game != nil {
		session.game.cancelTimerLocked()
	}
	for c := range session.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(session.clients, c)
	}
	session.game = nil
	session.mu.Unlock()
}

// SweepLoop periodically removes participants whose disconnection outlasted
// the grace period, and tears down sessions that have gone idle entirely.
func (r *Registry) SweepLoop(ctx context.Context, cfg *Config) {
	ticker := time.NewTicker(cfg.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(cfg, time.Now())
		}
	}
}

// Sweep applies the grace-period and idle-session rules once. Split out
// from SweepLoop so it can be driven directly in tests.
func (r *Registry) Sweep(cfg *Config, now time.Time) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.Unlock()

	for _, session := range sessions {
		code, teardown := session.sweep(cfg, now)
		if teardown {
			logf(cfg, "GAMES: Closing session %s", code)
			r.DeleteSession(code)
		}
	}
}

// sweep removes overdue disconnected participants from one session and
// reports whether the whole session should be torn down. Removing the host
// forces a teardown: the roster invariant is that the host is always a
// member while the lobby exists.
func (s *Session) sweep(cfg *Config, now time.Time) (code string, teardown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = s.lobby.Code

	if now.Sub(s.lastActive) > cfg.sessionTimeout {
		s.broadcastLocked(wsMessage{Event: "lobby-closed"})
		return code, true
	}

	kept := s.lobby.Participants[:0]
	removed := false
	hostRemoved := false

	for _, p := range s.lobby.Participants {
		if !p.Connected && !p.disconnectedAt.IsZero() && now.Sub(p.disconnectedAt) > cfg.gracePeriod {
			removed = true
			if p.IsHost {
				hostRemoved = true
			}
			if s.game != nil {
				delete(s.game.Scores, p.Username)
			}
			logf(cfg, "GAMES: Player %q timed out of %s", p.Username, code)
			continue
		}
		kept = append(kept, p)
	}
	s.lobby.Participants = kept

	if hostRemoved || len(s.lobby.Participants) == 0 {
		s.broadcastLocked(wsMessage{Event: "lobby-closed"})
		return code, true
	}

	if removed {
		s.broadcastLocked(wsMessage{Event: "lobby-updated", Data: s.lobby})
	}

	return code, false
}
