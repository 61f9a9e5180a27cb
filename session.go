package main

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Session states. A session only ever moves forward:
// waiting -> active -> finished.
const (
	sessionWaiting = iota
	sessionActive
	sessionFinished
)

// outbound is the write side of one player's connection. Implemented by
// the websocket client in protocol.go; tests substitute their own.
type outbound interface {
	enqueue(msg any) bool
	shutdown()
}

// Player is one connected participant and its ordered navigation path.
type Player struct {
	id   string
	path []string
	out  outbound
}

func newPlayer(out outbound) *Player {
	return &Player{
		id:  newPlayerID(),
		out: out,
	}
}

func (p *Player) currentPage() string {
	if len(p.path) == 0 {
		return ""
	}
	return p.path[len(p.path)-1]
}

// GameSession is one match: two player slots, an origin and a goal page,
// and the navigation trails of both players.
type GameSession struct {
	id      string
	cfg     *Config
	catalog *PageCatalog
	fetcher *Fetcher

	mu        sync.Mutex
	state     int
	origin    string
	goal      string
	startedAt time.Time
	endedAt   time.Time
	host      *Player
	guest     *Player
	winner    *Player
}

func newGameSession(cfg *Config, id string, host *Player, catalog *PageCatalog, fetcher *Fetcher) *GameSession {
	s := &GameSession{
		id:      id,
		cfg:     cfg,
		catalog: catalog,
		fetcher: fetcher,
		state:   sessionWaiting,
		host:    host,
	}

	host.out.enqueue(gameMessage{
		Type:     "game",
		GameID:   id,
		PlayerID: host.id,
	})

	return s
}

// attach fills the guest slot and activates the session: origin and goal
// are drawn from the catalog, both paths start at the origin, and both
// players are notified.
func (s *GameSession) attach(guest *Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sessionWaiting || s.host == nil || s.guest != nil {
		return errSessionFull
	}

	origin, goal, err := s.catalog.sample()
	if err != nil {
		return err
	}

	s.guest = guest
	s.origin = origin
	s.goal = goal
	s.startedAt = time.Now()
	s.state = sessionActive
	s.host.path = []string{origin}
	s.guest.path = []string{origin}

	guest.out.enqueue(gameMessage{
		Type:     "game",
		GameID:   s.id,
		PlayerID: guest.id,
	})

	s.host.out.enqueue(connectionMessage{
		Type:       "connection",
		OpponentID: guest.id,
	})
	guest.out.enqueue(connectionMessage{
		Type:       "connection",
		OpponentID: s.host.id,
	})

	start := startMessage{
		Type:   "start",
		Origin: origin,
		Goal:   goal,
	}
	s.host.out.enqueue(start)
	guest.out.enqueue(start)

	logf(s.cfg, "GAMES: Started %s (%q -> %q)", s.id, origin, goal)

	return nil
}

// other returns the opponent of p, or nil if p is not a participant.
func (s *GameSession) other(p *Player) *Player {
	switch p {
	case s.host:
		return s.guest
	case s.guest:
		return s.host
	default:
		return nil
	}
}

// navigate records a page move for p and relays it to both players. A move
// onto the goal page ends the session: the mover wins, both players receive
// the full trails, and both connections are shut down.
func (s *GameSession) navigate(p *Player, target string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sessionActive {
		return
	}

	opponent := s.other(p)
	if opponent == nil {
		return
	}

	page, ok := normalizeTitle(target)
	if !ok {
		return
	}

	p.path = append(p.path, page)

	moved := navigatedMessage{
		Type:     "navigated",
		PlayerID: p.id,
		Page:     page,
	}
	p.out.enqueue(moved)
	opponent.out.enqueue(moved)

	if !strings.EqualFold(page, s.goal) {
		return
	}

	s.state = sessionFinished
	s.winner = p
	s.endedAt = time.Now()

	p.out.enqueue(outcomeMessage{Type: "won"})
	opponent.out.enqueue(outcomeMessage{Type: "lost"})

	paths := pathsMessage{
		Type: "paths",
		Paths: map[string][]string{
			s.host.id:  append([]string(nil), s.host.path...),
			s.guest.id: append([]string(nil), s.guest.path...),
		},
	}
	p.out.enqueue(paths)
	opponent.out.enqueue(paths)

	p.out.shutdown()
	opponent.out.shutdown()

	logf(s.cfg, "GAMES: %s won %s in %d moves", p.id, s.id, len(p.path)-1)
}

// notifyScroll relays p's scroll position to the opponent only.
func (s *GameSession) notifyScroll(p *Player, top, width float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != sessionActive {
		return
	}

	opponent := s.other(p)
	if opponent == nil {
		return
	}

	opponent.out.enqueue(scrolledMessage{
		Type:     "scrolled",
		PlayerID: p.id,
		Top:      top,
		Width:    width,
	})
}

// hint suggests a next page for p: the alphabetically first page that both
// appears as a link on p's current page and links to the goal. Sent to the
// requester only.
func (s *GameSession) hint(p *Player) {
	s.mu.Lock()
	if s.state != sessionActive || s.other(p) == nil {
		s.mu.Unlock()
		return
	}
	current := p.currentPage()
	goal := s.goal
	s.mu.Unlock()

	candidates := s.hintCandidates(current, goal)

	text := "no hint available"
	if len(candidates) > 0 {
		text = candidates[0]
	}

	// The session may have finished while the fetches were in flight;
	// nothing is delivered after won/lost.
	if s.currentState() != sessionActive {
		return
	}

	p.out.enqueue(hintMessage{
		Type: "hint",
		Hint: text,
	})
}

// hintCandidates intersects the outbound links of the current page with
// the pages linking to the goal, sorted alphabetically.
func (s *GameSession) hintCandidates(current, goal string) []string {
	links, err := s.fetcher.links(current)
	if err != nil {
		return nil
	}
	inbound, err := s.fetcher.backlinks(goal)
	if err != nil {
		return nil
	}

	linksTo := make(map[string]bool, len(inbound))
	for _, title := range inbound {
		linksTo[strings.ToLower(title)] = true
	}

	var candidates []string
	for _, title := range links {
		if linksTo[strings.ToLower(title)] {
			candidates = append(candidates, title)
		}
	}
	sort.Strings(candidates)

	return candidates
}

// backlinks sends the pages linking to the goal to the requester only.
// Fetch failures surface as an error field, never as a dropped connection.
func (s *GameSession) backlinks(p *Player) {
	s.mu.Lock()
	if s.state != sessionActive || s.other(p) == nil {
		s.mu.Unlock()
		return
	}
	goal := s.goal
	s.mu.Unlock()

	titles, err := s.fetcher.backlinks(goal)

	msg := backlinksMessage{Type: "backlinks"}
	if err != nil {
		msg.Error = err.Error()
	} else {
		sort.Strings(titles)
		msg.Backlinks = titles
	}

	// Same in-flight window as hint: drop the result once the session
	// has finished.
	if s.currentState() != sessionActive {
		return
	}

	p.out.enqueue(msg)
}

// disconnect vacates p's slot. A waiting session is left for the pool to
// discard. An active session ends immediately: the opponent wins by
// forfeit and is notified, but no paths message is sent, since the match
// did not complete by navigation.
func (s *GameSession) disconnect(p *Player) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opponent := s.other(p)
	if opponent == nil && p != s.host && p != s.guest {
		return
	}

	switch s.state {
	case sessionWaiting:
		if p == s.host {
			s.host = nil
		} else {
			s.guest = nil
		}

	case sessionActive:
		s.state = sessionFinished
		s.winner = opponent
		s.endedAt = time.Now()
		if opponent != nil {
			opponent.out.enqueue(outcomeMessage{Type: "won"})
		}
		logf(s.cfg, "GAMES: %s forfeited %s", p.id, s.id)
	}
}

// state accessors for the pool and the HTTP listings.

func (s *GameSession) currentState() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *GameSession) finishedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

type gameListing struct {
	Origin    string    `json:"origin"`
	Goal      string    `json:"goal"`
	StartedAt time.Time `json:"startedAt"`
}

func (s *GameSession) listing() gameListing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gameListing{
		Origin:    s.origin,
		Goal:      s.goal,
		StartedAt: s.startedAt,
	}
}

// disallowedNamespaces lists title prefixes that are never valid moves.
var disallowedNamespaces = []string{
	"category:",
	"draft:",
	"file:",
	"help:",
	"image:",
	"mediawiki:",
	"portal:",
	"special:",
	"talk:",
	"template:",
	"wikipedia:",
}

// normalizeTitle strips a trailing fragment, collapses underscores to
// spaces, and rejects titles in disallowed namespaces.
func normalizeTitle(title string) (string, bool) {
	title, _, _ = strings.Cut(title, "#")
	title = strings.TrimSpace(strings.ReplaceAll(title, "_", " "))

	if title == "" {
		return "", false
	}

	lower := strings.ToLower(title)
	for _, ns := range disallowedNamespaces {
		if strings.HasPrefix(lower, ns) {
			return "", false
		}
	}

	return title, true
}
