package main

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
)

func TestAttach_RequiresRosterMembership(t *testing.T) {
	_, session, _ := testSession(t, "alice")

	ghost := &Client{
		id:       "ghost",
		username: "ghost",
		send:     make(chan wsMessage, 8),
	}

	if err := session.Attach(testConfig(), ghost); !errors.Is(err, errNotFound) {
		t.Errorf("err %v, want errNotFound", err)
	}
}

func TestAttach_SyncsRunningGame(t *testing.T) {
	reg, session, _ := testSession(t, "alice", "bob")
	pool := testPool(3)

	if err := session.StartGame(testConfig(), pool, "alice"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	if _, _, err := reg.JoinLobby(session.lobby.Code, "carol"); err != nil {
		t.Fatalf("JoinLobby: %v", err)
	}

	carol := &Client{
		id:       "carol",
		username: "carol",
		send:     make(chan wsMessage, 8),
	}
	if err := session.Attach(testConfig(), carol); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if !hasEvent(drain(carol), "game-started") {
		t.Error("attaching during a game should sync game-started to the client")
	}
}

func TestDetach_OutsideRoundRemovesImmediately(t *testing.T) {
	reg, session, clients := testSession(t, "alice", "bob")
	code := session.lobby.Code
	drain(clients["alice"])

	session.Detach(testConfig(), clients["bob"])

	if !reg.Alive(code) {
		t.Fatal("losing a non-host should not close the session")
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.lobby.participant("bob") != nil {
		t.Error("bob should be removed from the roster")
	}
	if !hasEvent(drain(clients["alice"]), "lobby-updated") {
		t.Error("a removal should broadcast lobby-updated")
	}
}

func TestDetach_MidRoundMarksDisconnected(t *testing.T) {
	reg, session, clients := testSession(t, "alice", "bob")
	pool := testPool(3)
	code := session.lobby.Code

	if err := session.StartGame(testConfig(), pool, "alice"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	session.mu.Lock()
	session.game.Phase = PhaseVoting
	session.mu.Unlock()
	drain(clients["alice"])

	session.Detach(testConfig(), clients["bob"])

	if !reg.Alive(code) {
		t.Fatal("a mid-round disconnect should not close the session")
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	bob := session.lobby.participant("bob")
	if bob == nil {
		t.Fatal("bob should stay on the roster mid-round")
	}
	if bob.Connected || bob.disconnectedAt.IsZero() {
		t.Errorf("bob = %+v, want disconnected with a timestamp", bob)
	}
	if _, ok := session.game.Scores["bob"]; !ok {
		t.Error("a mid-round disconnect should not drop the score entry")
	}
	if !hasEvent(drain(clients["alice"]), "lobby-updated") {
		t.Error("a disconnect should broadcast lobby-updated")
	}
}

func TestDetach_StaleSocketAfterReconnect(t *testing.T) {
	reg, session, clients := testSession(t, "alice", "bob")
	code := session.lobby.Code

	fresh := &Client{
		id:       "alice-2",
		username: "alice",
		send:     make(chan wsMessage, 8),
	}
	if err := session.Attach(testConfig(), fresh); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// The original host socket closing late must not act on the roster.
	session.Detach(testConfig(), clients["alice"])

	if !reg.Alive(code) {
		t.Fatal("session must survive a stale host socket closing")
	}

	session.mu.Lock()
	alice := session.lobby.participant("alice")
	if alice == nil {
		t.Fatal("alice should still be on the roster")
	}
	if !alice.Connected {
		t.Error("alice should still be marked connected")
	}
	session.mu.Unlock()

	// Once the last socket goes, the usual host-leave rule applies.
	session.Detach(testConfig(), fresh)
	if reg.Alive(code) {
		t.Error("the final host socket leaving should close the session")
	}
}

func TestDetach_HostMidRoundOnlyDisconnects(t *testing.T) {
	reg, session, clients := testSession(t, "alice", "bob")
	pool := testPool(3)
	code := session.lobby.Code

	if err := session.StartGame(testConfig(), pool, "alice"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	session.mu.Lock()
	session.game.Phase = PhaseVoting
	session.mu.Unlock()

	session.Detach(testConfig(), clients["alice"])

	if !reg.Alive(code) {
		t.Fatal("the host dropping mid-round must not close the session")
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	alice := session.lobby.participant("alice")
	if alice == nil {
		t.Fatal("host should stay on the roster mid-round")
	}
	if alice.Connected {
		t.Error("host should be marked disconnected")
	}
	if session.lobby.Host != "alice" {
		t.Error("host assignment should be unchanged")
	}
}

func TestDetach_DuringWaitingGameRemovesScore(t *testing.T) {
	reg, session, clients := testSession(t, "alice", "bob")
	pool := testPool(3)
	code := session.lobby.Code

	if err := session.StartGame(testConfig(), pool, "alice"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	// Phase is still the pre-round gap, so the leave applies immediately.
	session.Detach(testConfig(), clients["bob"])

	if !reg.Alive(code) {
		t.Fatal("session should survive a non-host leave")
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.lobby.participant("bob") != nil {
		t.Error("bob should be removed between rounds")
	}
	if _, ok := session.game.Scores["bob"]; ok {
		t.Error("bob's score entry should be removed with him")
	}
}

func TestDetach_HostLeavingClosesSession(t *testing.T) {
	reg, session, clients := testSession(t, "alice", "bob")
	code := session.lobby.Code
	drain(clients["bob"])

	session.Detach(testConfig(), clients["alice"])

	if reg.Alive(code) {
		t.Error("the host leaving outside a round should close the session")
	}
	if !hasEvent(drain(clients["bob"]), "lobby-closed") {
		t.Error("remaining clients should be told the lobby closed")
	}
}

func TestDetach_LastMemberClosesSession(t *testing.T) {
	reg, session, clients := testSession(t, "alice", "bob")
	code := session.lobby.Code

	// Promote bob conceptually by removing him first, then have the last
	// member leave. Either path must empty and close the session.
	session.Detach(testConfig(), clients["bob"])
	session.Detach(testConfig(), clients["alice"])

	if reg.Alive(code) {
		t.Error("an emptied session should be closed")
	}
}

func TestBroadcast_PayloadIsSnapshot(t *testing.T) {
	_, session, clients := testSession(t, "host", "guest")

	if err := session.StartGame(testConfig(), testPool(3), "host"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	var started *wsMessage
	msgs := drain(clients["guest"])
	for i := range msgs {
		if msgs[i].Event == "game-started" {
			started = &msgs[i]
		}
	}
	if started == nil {
		t.Fatal("game-started not broadcast")
	}

	session.mu.Lock()
	session.game.Scores["host"] = 9
	session.mu.Unlock()

	raw, ok := started.Data.(json.RawMessage)
	if !ok {
		t.Fatalf("queued payload is %T, want json.RawMessage", started.Data)
	}

	var payload struct {
		GameState struct {
			Scores map[string]int `json:"scores"`
		} `json:"gameState"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.GameState.Scores["host"] != 0 {
		t.Errorf("score in payload %d, want the value at broadcast time (0)", payload.GameState.Scores["host"])
	}
}

func TestBroadcast_QueuedMessageEncodesDuringMutation(t *testing.T) {
	_, session, clients := testSession(t, "host", "guest")

	if err := session.StartGame(testConfig(), testPool(3), "host"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	var started wsMessage
	for _, msg := range drain(clients["guest"]) {
		if msg.Event == "game-started" {
			started = msg
		}
	}
	if started.Event == "" {
		t.Fatal("game-started not broadcast")
	}

	// Encoding a queued message must never touch live session state, so
	// it can safely overlap score updates.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if _, err := json.Marshal(started); err != nil {
				t.Errorf("encoding queued message: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		session.mu.Lock()
		session.game.Scores["host"]++
		session.mu.Unlock()
	}
	<-done
}

func TestBroadcast_DropsSlowClient(t *testing.T) {
	_, session, _ := testSession(t, "alice")

	slow := &Client{
		id:       "slow",
		username: "alice",
		send:     make(chan wsMessage),
	}
	session.mu.Lock()
	session.clients[slow] = true
	session.mu.Unlock()

	session.BroadcastLobby()

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.clients[slow] {
		t.Error("a client with a full send queue should be dropped")
	}
	if _, ok := <-slow.send; ok {
		t.Error("a dropped client's send channel should be closed")
	}
}

func TestServeCreateLobby(t *testing.T) {
	cfg := testConfig()
	reg := newRegistry()
	handler := serveCreateLobby(cfg, reg)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/vote/lobby", strings.NewReader(`{"username":"alice"}`))
	handler(w, r, nil)

	if w.Code != 200 {
		t.Fatalf("status %d, want 200", w.Code)
	}

	var body struct {
		Code  string `json:"code"`
		Lobby Lobby  `json:"lobby"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Code) != 6 {
		t.Errorf("code %q, want 6 characters", body.Code)
	}
	if body.Lobby.Host != "alice" {
		t.Errorf("host %q, want alice", body.Lobby.Host)
	}
	if !reg.Alive(body.Code) {
		t.Error("created lobby should be registered")
	}
}

func TestServeCreateLobby_BadInput(t *testing.T) {
	handler := serveCreateLobby(testConfig(), newRegistry())

	for _, body := range []string{"", "{}", `{"username":"  "}`} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("POST", "/api/vote/lobby", strings.NewReader(body))
		handler(w, r, nil)

		if w.Code != 400 {
			t.Errorf("body %q: status %d, want 400", body, w.Code)
		}
	}
}

func TestServeJoinLobby(t *testing.T) {
	cfg := testConfig()
	reg := newRegistry()

	session, err := reg.CreateLobby("alice")
	if err != nil {
		t.Fatalf("CreateLobby: %v", err)
	}

	handler := serveJoinLobby(cfg, reg)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/vote/lobby/"+session.lobby.Code+"/join", strings.NewReader(`{"username":"bob"}`))
	handler(w, r, httprouter.Params{{Key: "code", Value: strings.ToLower(session.lobby.Code)}})

	if w.Code != 200 {
		t.Fatalf("status %d, want 200 (codes should be case-insensitive)", w.Code)
	}
	if session.lobby.participant("bob") == nil {
		t.Error("bob should be on the roster after joining")
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/api/vote/lobby/ZZZZZZ/join", strings.NewReader(`{"username":"bob"}`))
	handler(w, r, httprouter.Params{{Key: "code", Value: "ZZZZZZ"}})

	if w.Code != 404 {
		t.Errorf("status %d, want 404 for an unknown code", w.Code)
	}
}

func TestServeLobbyState(t *testing.T) {
	cfg := testConfig()
	reg, session, _ := testSession(t, "alice", "bob")
	code := session.lobby.Code
	handler := serveLobbyState(cfg, reg)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/vote/lobby/"+code, nil)
	handler(w, r, httprouter.Params{{Key: "code", Value: code}})

	if w.Code != 200 {
		t.Fatalf("status %d, want 200", w.Code)
	}

	var body struct {
		Lobby     Lobby `json:"lobby"`
		GameState *Game `json:"gameState"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Lobby.Host != "alice" || len(body.Lobby.Participants) != 2 {
		t.Errorf("lobby snapshot %+v, want alice's 2-member roster", body.Lobby)
	}
	if body.GameState != nil {
		t.Error("no game is running, gameState should be absent")
	}

	if err := session.StartGame(cfg, testPool(3), "alice"); err != nil {
		t.Fatalf("StartGame: %v", err)
	}

	w = httptest.NewRecorder()
	handler(w, r, httprouter.Params{{Key: "code", Value: code}})

	body.GameState = nil
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.GameState == nil || body.GameState.Phase != PhaseWaiting {
		t.Errorf("gameState %+v, want the waiting game", body.GameState)
	}

	w = httptest.NewRecorder()
	handler(w, r, httprouter.Params{{Key: "code", Value: "ZZZZZZ"}})

	if w.Code != 404 {
		t.Errorf("status %d, want 404 for an unknown code", w.Code)
	}
}

func TestServeImage_RejectsOutsidePool(t *testing.T) {
	cfg := testConfig()
	pool := testPool(3)
	handler := serveImage(cfg, pool)

	for _, name := range []string{"missing.png", "../secret.png"} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/images/x", nil)
		handler(w, r, httprouter.Params{{Key: "name", Value: name}})

		if w.Code != 404 {
			t.Errorf("%q: status %d, want 404", name, w.Code)
		}
	}
}

func TestDetach_Idempotent(t *testing.T) {
	_, session, clients := testSession(t, "alice", "bob")

	session.Detach(testConfig(), clients["bob"])
	// A second detach for the same client must be a no-op.
	session.Detach(testConfig(), clients["bob"])

	session.mu.Lock()
	defer session.mu.Unlock()

	if len(session.lobby.Participants) != 1 {
		t.Errorf("roster size %d, want 1", len(session.lobby.Participants))
	}
}

func TestSessionTouch(t *testing.T) {
	_, session, clients := testSession(t, "alice", "bob")

	session.mu.Lock()
	session.lastActive = time.Now().Add(-time.Hour)
	session.mu.Unlock()

	session.Detach(testConfig(), clients["bob"])

	session.mu.Lock()
	defer session.mu.Unlock()

	if time.Since(session.lastActive) > time.Minute {
		t.Error("activity should refresh lastActive")
	}
}
