package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"
)

// waitingEntry pairs a queued player with the waiting session created for
// it, so cleanup can find one from the other after slots are vacated.
type waitingEntry struct {
	player  *Player
	session *GameSession
}

// MatchPool owns the waiting queue, the active session map, and the
// bounded list of recently finished sessions. One mutex guards all three;
// sessions serialize their own mutations independently.
type MatchPool struct {
	cfg     *Config
	catalog *PageCatalog
	fetcher *Fetcher

	mu      sync.Mutex
	waiting []waitingEntry
	active  map[string]*GameSession
	recent  []*GameSession
}

func newMatchPool(cfg *Config, catalog *PageCatalog, fetcher *Fetcher) *MatchPool {
	return &MatchPool{
		cfg:     cfg,
		catalog: catalog,
		fetcher: fetcher,
		active:  make(map[string]*GameSession),
	}
}

// pair matches player with the head of the waiting queue, activating that
// session. With nobody waiting, player is enqueued in a fresh waiting
// session instead, to be completed by a later pair or join call.
func (mp *MatchPool) pair(player *Player) (*GameSession, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for len(mp.waiting) > 0 {
		head := mp.waiting[0]

		if head.player.id == player.id {
			// A player never races against itself.
			return head.session, nil
		}

		if err := head.session.attach(player); err != nil {
			if errors.Is(err, errSessionFull) {
				// Stale entry: the session was completed, discarded, or its
				// host dropped before the pool cleanup hook ran. Skip it and
				// keep looking for a live opponent.
				mp.waiting = mp.waiting[1:]
				continue
			}
			return nil, err
		}
		mp.waiting = mp.waiting[1:]

		logf(mp.cfg, "GAMES: Paired %s with %s in %s", head.player.id, player.id, head.session.id)

		return head.session, nil
	}

	s := newGameSession(mp.cfg, mp.newSessionIDLocked(), player, mp.catalog, mp.fetcher)
	mp.active[s.id] = s
	mp.waiting = append(mp.waiting, waitingEntry{player: player, session: s})

	logf(mp.cfg, "GAMES: Queued %s in %s", player.id, s.id)

	return s, nil
}

// new creates a private waiting session for invite-link joining.
func (mp *MatchPool) new(player *Player) (*GameSession, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	s := newGameSession(mp.cfg, mp.newSessionIDLocked(), player, mp.catalog, mp.fetcher)
	mp.active[s.id] = s

	logf(mp.cfg, "GAMES: Created private game %s for %s", s.id, player.id)

	return s, nil
}

// join attaches player as guest to an existing waiting session.
func (mp *MatchPool) join(player *Player, id string) (*GameSession, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	s, ok := mp.active[id]
	if !ok {
		return nil, errSessionNotFound
	}

	if err := s.attach(player); err != nil {
		return nil, err
	}

	// The host may have been queued for anonymous pairing; it now has an
	// opponent, so it must not be paired again.
	mp.dequeueLocked(s)

	logf(mp.cfg, "GAMES: %s joined %s", player.id, id)

	return s, nil
}

// disconnected is the idempotent cleanup hook for a dropped connection.
// Waiting sessions are discarded; finished sessions move from the active
// map into the recent history.
func (mp *MatchPool) disconnected(s *GameSession) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if _, ok := mp.active[s.id]; !ok {
		return
	}

	switch s.currentState() {
	case sessionWaiting:
		delete(mp.active, s.id)
		mp.dequeueLocked(s)
		logf(mp.cfg, "GAMES: Discarded waiting game %s", s.id)

	case sessionFinished:
		delete(mp.active, s.id)
		mp.recent = append([]*GameSession{s}, mp.recent...)
		mp.pruneRecentLocked()
		logf(mp.cfg, "GAMES: Archived %s", s.id)
	}
}

// getCurrentGames snapshots the active sessions. Waiting sessions are
// excluded: a private one would leak its joinable id, and an anonymous
// one has nothing to show yet.
func (mp *MatchPool) getCurrentGames() []*GameSession {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	games := make([]*GameSession, 0, len(mp.active))
	for _, s := range mp.active {
		if s.currentState() == sessionActive {
			games = append(games, s)
		}
	}
	return games
}

// getRecentGames snapshots the finished-session history, most recent first.
func (mp *MatchPool) getRecentGames() []*GameSession {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pruneRecentLocked()

	return append([]*GameSession(nil), mp.recent...)
}

// exists reports whether id names a live session, for the invite QR route.
func (mp *MatchPool) exists(id string) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	_, ok := mp.active[id]
	return ok
}

func (mp *MatchPool) dequeueLocked(s *GameSession) {
	for i, entry := range mp.waiting {
		if entry.session == s {
			mp.waiting = append(mp.waiting[:i], mp.waiting[i+1:]...)
			return
		}
	}
}

func (mp *MatchPool) pruneRecentLocked() {
	if len(mp.recent) > mp.cfg.historySize {
		mp.recent = mp.recent[:mp.cfg.historySize]
	}

	if mp.cfg.historyAge <= 0 {
		return
	}

	cutoff := time.Now().Add(-mp.cfg.historyAge)
	for i, s := range mp.recent {
		if s.finishedAt().Before(cutoff) {
			mp.recent = mp.recent[:i]
			break
		}
	}
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// newSessionIDLocked generates a crypto-random session id, checked for
// collisions against both the active map and the recent history.
func (mp *MatchPool) newSessionIDLocked() string {
	for {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, len(buf))
		for i := range out {
			out[i] = idAlphabet[int(buf[i])%len(idAlphabet)]
		}
		id := string(out)

		if _, exists := mp.active[id]; exists {
			continue
		}
		taken := false
		for _, s := range mp.recent {
			if s.id == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

// newPlayerID issues the opaque per-connection player token.
func newPlayerID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	return hex.EncodeToString(buf)
}
