package main

import (
	"context"
	"fmt"
	"time"
)

// Phase is the current stage of a game's state machine.
type Phase string

const (
	PhaseWaiting    Phase = "waiting"
	PhaseDiscussion Phase = "discussion"
	PhaseVoting     Phase = "voting"
	PhaseResults    Phase = "results"
	PhaseScoreboard Phase = "scoreboard"
	PhaseEnded      Phase = "ended"
)

const defaultTotalRounds = 30

// gameTiming holds the pacing of one game cycle. Production games always
// use defaultTiming; the fields exist so tests can run a full cycle without
// waiting out real rounds.
type gameTiming struct {
	preRoll        time.Duration
	discussionSecs int
	votingSecs     int
	resultsHold    time.Duration
	scoreboardHold time.Duration
	interRound     time.Duration
}

func defaultTiming() gameTiming {
	return gameTiming{
		preRoll:        2 * time.Second,
		discussionSecs: 60,
		votingSecs:     30,
		resultsHold:    5 * time.Second,
		scoreboardHold: 5 * time.Second,
		interRound:     3 * time.Second,
	}
}

// Vote is one player's pick per category. A vote only counts once all
// three categories are set.
type Vote struct {
	Shoot string `json:"shoot"`
	Shag  string `json:"shag"`
	Marry string `json:"marry"`
}

func (v Vote) complete() bool {
	return v.Shoot != "" && v.Shag != "" && v.Marry != ""
}

func (v Vote) categories() [3]string {
	return [3]string{v.Shoot, v.Shag, v.Marry}
}

// Game is the mutable round-based play session attached to one lobby.
// Scores persist across rounds within a game; votes are cleared each round.
type Game struct {
	Phase         Phase          `json:"phase"`
	RoundNumber   int            `json:"roundNumber"`
	TotalRounds   int            `json:"totalRounds"`
	CurrentImages [3]string      `json:"currentImages"`
	Scores        map[string]int `json:"scores"`
	TimeRemaining int            `json:"timeRemaining"`

	// votes holds at most one complete vote per username; voteOrder
	// records the order first votes arrived in, which is the documented
	// tie-break order for tallying.
	votes     map[string]Vote
	voteOrder []string

	timing gameTiming
	timer  *gameTimer
}

func newGame(participants []*Participant) *Game {
	g := &Game{
		Phase:       PhaseWaiting,
		RoundNumber: 1,
		TotalRounds: defaultTotalRounds,
		Scores:      make(map[string]int, len(participants)),
		votes:       make(map[string]Vote),
		timing:      defaultTiming(),
	}

	for _, p := range participants {
		g.Scores[p.Username] = 0
	}

	return g
}

// gameTimer is the single live timer a game may own. Installing a new one
// always cancels the old one first, so two countdowns can never race to
// fire the same transition.
type gameTimer struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (g *Game) cancelTimerLocked() {
	if g.timer == nil {
		return
	}
	g.timer.cancel()
	g.timer = nil
}

// scheduleLocked installs a one-shot delay for g, replacing any live timer.
// The callback only runs if the session is still registered and g is still
// the session's game with this timer installed.
func (s *Session) scheduleLocked(g *Game, d time.Duration, fn func()) {
	g.cancelTimerLocked()

	ctx, cancel := context.WithCancel(context.Background())
	t := &gameTimer{ctx: ctx, cancel: cancel}
	g.timer = t

	go func() {
		defer cancel()

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
		case <-timer.C:
			if s.claimTimer(g, t) {
				fn()
			}
		}
	}()
}

// countdownLocked installs a 1-second-tick countdown for g, replacing any
// live timer. Every tick broadcasts the remaining whole seconds; expiry
// runs fn under the same liveness rules as scheduleLocked.
func (s *Session) countdownLocked(g *Game, seconds int, fn func()) {
	g.cancelTimerLocked()

	ctx, cancel := context.WithCancel(context.Background())
	t := &gameTimer{ctx: ctx, cancel: cancel}
	g.timer = t

	g.TimeRemaining = seconds
	s.broadcastLocked(wsMessage{Event: "game-timer", Data: map[string]int{"timeRemaining": seconds}})

	go func() {
		defer cancel()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.game != g || g.timer != t {
					s.mu.Unlock()
					return
				}
				g.TimeRemaining--
				if g.TimeRemaining > 0 {
					s.broadcastLocked(wsMessage{Event: "game-timer", Data: map[string]int{"timeRemaining": g.TimeRemaining}})
					s.mu.Unlock()
					continue
				}
				g.timer = nil
				s.mu.Unlock()

				if s.reg == nil || s.reg.Alive(s.lobby.Code) {
					fn()
				}
				return
			}
		}
	}()
}

// claimTimer consumes t if it is still the live timer of the session's
// current game. A false return means the session was torn down, the game
// was replaced, or the timer was superseded while the callback slept.
func (s *Session) claimTimer(g *Game, t *gameTimer) bool {
	if s.reg != nil && !s.reg.Alive(s.lobby.Code) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.game != g || g.timer != t {
		return false
	}
	g.timer = nil
	return true
}

// StartGame begins a fresh game cycle on the session's lobby: round 1,
// votes cleared, all scores zeroed. Restarting mid-game goes through the
// same path, cancelling whatever the old game had in flight.
func (s *Session) StartGame(cfg *Config, pool *ImagePool, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if username != s.lobby.Host {
		return errUnauthorized
	}
	if len(s.lobby.Participants) < 2 {
		return fmt.Errorf("%w: need at least 2 players", errPreconditionFailed)
	}
	if !pool.Usable() {
		return fmt.Errorf("%w: need at least %d images to play", errPreconditionFailed, minPoolSize)
	}

	if s.game != nil {
		s.game.cancelTimerLocked()
	}

	g := newGame(s.lobby.Participants)
	if s.timing != nil {
		g.timing = *s.timing
	}
	s.game = g
	s.lobby.GameStarted = true
	s.touchLocked()

	logf(cfg, "GAMES: Started game in %s, round 1 of %d", s.lobby.Code, g.TotalRounds)

	s.broadcastLocked(wsMessage{Event: "game-started", Data: map[string]any{
		"lobby":     s.lobby,
		"gameState": g,
	}})

	s.scheduleLocked(g, g.timing.preRoll, func() {
		s.enterDiscussion(cfg, pool, g)
	})

	return nil
}

// enterDiscussion draws the round's images and opens the discussion
// countdown. The pool is re-checked on every entry since it may have
// shrunk since the last round.
func (s *Session) enterDiscussion(cfg *Config, pool *ImagePool, g *Game) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.game != g {
		return
	}

	if g.RoundNumber > g.TotalRounds {
		s.endGameLocked(cfg)
		return
	}

	images, ok := pool.DrawThree()
	if !ok {
		logf(cfg, "GAMES: Pool below %d images, ending game in %s", minPoolSize, s.lobby.Code)
		s.endGameLocked(cfg)
		return
	}

	g.CurrentImages = images
	g.votes = make(map[string]Vote)
	g.voteOrder = g.voteOrder[:0]
	g.Phase = PhaseDiscussion
	s.touchLocked()

	s.broadcastLocked(wsMessage{Event: "images-selected", Data: map[string]any{"images": images}})
	s.broadcastPhaseLocked(g)

	s.countdownLocked(g, g.timing.discussionSecs, func() {
		s.enterVoting(cfg, pool, g)
	})
}

func (s *Session) enterVoting(cfg *Config, pool *ImagePool, g *Game) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.game != g || g.Phase != PhaseDiscussion {
		return
	}

	g.Phase = PhaseVoting
	s.broadcastPhaseLocked(g)

	s.countdownLocked(g, g.timing.votingSecs, func() {
		s.enterResults(cfg, pool, g)
	})
}

// CastVote records a complete vote for username. The first complete vote
// per round stands; later attempts are silently ignored.
func (s *Session) CastVote(username string, v Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.game
	if g == nil || g.Phase != PhaseVoting {
		return fmt.Errorf("%w: voting is not open", errPreconditionFailed)
	}
	if s.lobby.participant(username) == nil {
		return fmt.Errorf("%w: not a member of this lobby", errInvalidInput)
	}
	if _, voted := g.votes[username]; voted {
		return nil
	}
	if !v.complete() {
		return fmt.Errorf("%w: vote must set shoot, shag, and marry", errInvalidInput)
	}

	g.votes[username] = v
	g.voteOrder = append(g.voteOrder, username)
	s.touchLocked()

	return nil
}

func (s *Session) enterResults(cfg *Config, pool *ImagePool, g *Game) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.game != g || g.Phase != PhaseVoting {
		return
	}

	connected := make(map[string]bool, len(s.lobby.Participants))
	for _, p := range s.lobby.Participants {
		connected[p.Username] = p.Connected
	}

	results := tallyRound(g.CurrentImages, g.voteOrder, g.votes, connected)
	for username, points := range results.PointsAwarded {
		g.Scores[username] += points
	}

	g.Phase = PhaseResults
	s.touchLocked()

	logf(cfg, "GAMES: Round %d results in %s: %d voter(s), %d winner(s)",
		g.RoundNumber, s.lobby.Code, results.TotalVoters, len(results.Winners))

	s.broadcastPhaseLocked(g)
	s.broadcastLocked(wsMessage{Event: "round-results", Data: results})

	s.scheduleLocked(g, g.timing.resultsHold, func() {
		s.enterScoreboard(cfg, pool, g)
	})
}

func (s *Session) enterScoreboard(cfg *Config, pool *ImagePool, g *Game) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.game != g || g.Phase != PhaseResults {
		return
	}

	g.Phase = PhaseScoreboard
	s.broadcastPhaseLocked(g)
	s.broadcastLocked(wsMessage{Event: "scoreboard-update", Data: map[string]any{"scores": g.Scores}})

	s.scheduleLocked(g, g.timing.scoreboardHold, func() {
		s.advanceRound(cfg, pool, g)
	})
}

func (s *Session) advanceRound(cfg *Config, pool *ImagePool, g *Game) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.game != g || g.Phase != PhaseScoreboard {
		return
	}

	g.RoundNumber++
	if g.RoundNumber > g.TotalRounds {
		s.endGameLocked(cfg)
		return
	}

	g.Phase = PhaseWaiting
	s.broadcastPhaseLocked(g)

	s.scheduleLocked(g, g.timing.interRound, func() {
		s.enterDiscussion(cfg, pool, g)
	})
}

// endGameLocked is terminal for the current game instance. The lobby
// survives; a later start begins a fresh cycle.
func (s *Session) endGameLocked(cfg *Config) {
	g := s.game
	if g == nil {
		return
	}

	g.cancelTimerLocked()
	g.Phase = PhaseEnded
	g.TimeRemaining = 0

	logf(cfg, "GAMES: Game ended in %s after round %d", s.lobby.Code, g.RoundNumber)

	s.broadcastPhaseLocked(g)
	s.broadcastLocked(wsMessage{Event: "game-ended", Data: map[string]any{"finalScores": g.Scores}})
}

func (s *Session) broadcastPhaseLocked(g *Game) {
	s.broadcastLocked(wsMessage{Event: "game-phase-update", Data: map[string]any{
		"phase":       g.Phase,
		"roundNumber": g.RoundNumber,
	}})
}

// RoundResults is the outcome of one round's tally.
type RoundResults struct {
	MajorityChoices Vote           `json:"majorityChoices"`
	PointsAwarded   map[string]int `json:"pointsAwarded"`
	TotalVoters     int            `json:"totalVoters"`
	Winners         []string       `json:"winners"`
}

// tallyRound computes each category's majority and the round's winners.
// Only connected participants with a complete vote are tallied, in
// first-vote-received order; that order is the tie-break contract, so the
// same vote sequence always reproduces the same outcome. A category with
// zero valid votes defaults to the first drawn image. A voter earns one
// point iff their vote matches the majority in all three categories.
func tallyRound(images [3]string, voteOrder []string, votes map[string]Vote, connected map[string]bool) RoundResults {
	valid := make([]string, 0, len(voteOrder))
	for _, username := range voteOrder {
		v, ok := votes[username]
		if !ok || !v.complete() || !connected[username] {
			continue
		}
		valid = append(valid, username)
	}

	var majorities [3]string
	for category := range majorities {
		picks := make([]string, 0, len(valid))
		for _, username := range valid {
			picks = append(picks, votes[username].categories()[category])
		}
		majorities[category] = majorityChoice(images[0], picks)
	}

	results := RoundResults{
		MajorityChoices: Vote{
			Shoot: majorities[0],
			Shag:  majorities[1],
			Marry: majorities[2],
		},
		PointsAwarded: make(map[string]int),
		TotalVoters:   len(valid),
		Winners:       []string{},
	}

	for _, username := range valid {
		if votes[username].categories() == majorities {
			results.PointsAwarded[username] = 1
			results.Winners = append(results.Winners, username)
		}
	}

	return results
}

// majorityChoice picks the image with the strictly highest count. Ties go
// to whichever image was first encountered in tally order; zero picks fall
// back to def.
func majorityChoice(def string, picks []string) string {
	type entry struct {
		image string
		count int
	}

	tally := make([]entry, 0, len(picks))
	for _, pick := range picks {
		found := false
		for i := range tally {
			if tally[i].image == pick {
				tally[i].count++
				found = true
				break
			}
		}
		if !found {
			tally = append(tally, entry{image: pick, count: 1})
		}
	}

	best := def
	bestCount := 0
	for _, e := range tally {
		if e.count > bestCount {
			best = e.image
			bestCount = e.count
		}
	}

	return best
}
