package main

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs []any
	down bool
}

func (f *fakeConn) enqueue(msg any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.down {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeConn) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = true
}

func (f *fakeConn) messages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.msgs...)
}

func (f *fakeConn) closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func testConfig() *Config {
	return &Config{
		historySize: 5,
		historyAge:  time.Hour,
	}
}

func testCatalog(titles ...string) *PageCatalog {
	catalog := newPageCatalog()
	catalog.populate(titles)
	return catalog
}

func newTestPlayer() (*Player, *fakeConn) {
	out := &fakeConn{}
	return newPlayer(out), out
}

// activeSession builds an attached two-player session with a known goal.
func activeSession(t *testing.T) (*GameSession, *Player, *fakeConn, *Player, *fakeConn) {
	t.Helper()

	host, hostOut := newTestPlayer()
	guest, guestOut := newTestPlayer()

	s := newGameSession(testConfig(), "test-session", host, testCatalog("Alpha", "Beta", "Gamma"), nil)
	require.NoError(t, s.attach(guest))

	return s, host, hostOut, guest, guestOut
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		valid bool
	}{
		{"plain", "Philosophy", "Philosophy", true},
		{"fragment stripped", "Philosophy#History", "Philosophy", true},
		{"underscores collapsed", "Computer_science", "Computer science", true},
		{"both", "Ada_Lovelace#Legacy", "Ada Lovelace", true},
		{"surrounding space trimmed", "  Mars ", "Mars", true},
		{"empty rejected", "", "", false},
		{"fragment only rejected", "#top", "", false},
		{"file namespace rejected", "File:Example.jpg", "", false},
		{"template namespace rejected", "Template:Infobox", "", false},
		{"case-insensitive namespace rejected", "FILE:Example.jpg", "", false},
		{"category via underscores rejected", "Category:Physics", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeTitle(tt.in)
			assert.Equal(t, tt.valid, ok)
			if tt.valid {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestAttachActivatesSession(t *testing.T) {
	host, hostOut := newTestPlayer()
	guest, guestOut := newTestPlayer()

	s := newGameSession(testConfig(), "s1", host, testCatalog("Alpha", "Beta", "Gamma"), nil)

	assert.Equal(t, sessionWaiting, s.currentState())

	require.NoError(t, s.attach(guest))

	assert.Equal(t, sessionActive, s.currentState())
	assert.NotEqual(t, s.origin, s.goal)
	assert.Equal(t, []string{s.origin}, host.path)
	assert.Equal(t, []string{s.origin}, guest.path)

	hostMsgs := hostOut.messages()
	require.Len(t, hostMsgs, 3)
	assert.Equal(t, gameMessage{Type: "game", GameID: "s1", PlayerID: host.id}, hostMsgs[0])
	assert.Equal(t, connectionMessage{Type: "connection", OpponentID: guest.id}, hostMsgs[1])
	assert.Equal(t, startMessage{Type: "start", Origin: s.origin, Goal: s.goal}, hostMsgs[2])

	guestMsgs := guestOut.messages()
	require.Len(t, guestMsgs, 3)
	assert.Equal(t, gameMessage{Type: "game", GameID: "s1", PlayerID: guest.id}, guestMsgs[0])
	assert.Equal(t, connectionMessage{Type: "connection", OpponentID: host.id}, guestMsgs[1])
	assert.Equal(t, hostMsgs[2], guestMsgs[2])
}

func TestAttachRequiresReadyCatalog(t *testing.T) {
	host, _ := newTestPlayer()
	guest, _ := newTestPlayer()

	s := newGameSession(testConfig(), "s1", host, newPageCatalog(), nil)

	err := s.attach(guest)
	require.ErrorIs(t, err, errCatalogNotReady)
	assert.Equal(t, sessionWaiting, s.currentState())
	assert.Nil(t, s.guest)
}

func TestAttachFailsWhenFull(t *testing.T) {
	s, _, _, _, _ := activeSession(t)

	intruder, _ := newTestPlayer()
	require.ErrorIs(t, s.attach(intruder), errSessionFull)
}

func TestNavigateRelaysToBothPlayers(t *testing.T) {
	s, host, hostOut, guest, guestOut := activeSession(t)

	before := len(hostOut.messages())
	s.navigate(host, "Some_Page#section")

	want := navigatedMessage{Type: "navigated", PlayerID: host.id, Page: "Some Page"}
	hostMsgs := hostOut.messages()
	require.Len(t, hostMsgs, before+1)
	assert.Equal(t, want, hostMsgs[before])
	guestMsgs := guestOut.messages()
	assert.Equal(t, want, guestMsgs[len(guestMsgs)-1])

	assert.Equal(t, "Some Page", host.currentPage())
	assert.Len(t, host.path, 2)
	assert.Len(t, guest.path, 1)
}

func TestNavigateRejectsDisallowedNamespaces(t *testing.T) {
	s, host, hostOut, _, guestOut := activeSession(t)

	before := len(hostOut.messages())
	guestBefore := len(guestOut.messages())

	s.navigate(host, "File:Example.jpg")

	assert.Len(t, hostOut.messages(), before)
	assert.Len(t, guestOut.messages(), guestBefore)
	assert.Len(t, host.path, 1)
}

func TestNavigateIgnoresNonParticipants(t *testing.T) {
	s, _, _, _, guestOut := activeSession(t)

	stranger, strangerOut := newTestPlayer()
	before := len(guestOut.messages())

	s.navigate(stranger, "Anywhere")

	assert.Empty(t, strangerOut.messages())
	assert.Len(t, guestOut.messages(), before)
}

func TestNavigateToGoalWins(t *testing.T) {
	s, host, hostOut, guest, guestOut := activeSession(t)

	s.navigate(host, "Detour")

	// Case difference and trailing fragment must still count as a win.
	target := strings.ToUpper(s.goal) + "#top"
	s.navigate(host, target)

	require.Equal(t, sessionFinished, s.currentState())
	assert.Equal(t, host, s.winner)

	hostMsgs := hostOut.messages()
	require.GreaterOrEqual(t, len(hostMsgs), 3)
	assert.Equal(t, outcomeMessage{Type: "won"}, hostMsgs[len(hostMsgs)-2])

	guestMsgs := guestOut.messages()
	assert.Equal(t, outcomeMessage{Type: "lost"}, guestMsgs[len(guestMsgs)-2])

	hostPaths, ok := hostMsgs[len(hostMsgs)-1].(pathsMessage)
	require.True(t, ok)
	guestPaths, ok := guestMsgs[len(guestMsgs)-1].(pathsMessage)
	require.True(t, ok)
	assert.Equal(t, hostPaths.Paths, guestPaths.Paths)

	winnerPath := hostPaths.Paths[host.id]
	require.NotEmpty(t, winnerPath)
	assert.Equal(t, s.origin, winnerPath[0])
	assert.True(t, strings.EqualFold(winnerPath[len(winnerPath)-1], s.goal))
	assert.Equal(t, []string{s.origin}, hostPaths.Paths[guest.id])

	// Both connections are released once the paths message is out.
	assert.True(t, hostOut.closed())
	assert.True(t, guestOut.closed())

	// No further moves are accepted.
	s.navigate(guest, "Too Late")
	assert.Len(t, guest.path, 1)
}

func TestScrollRelaysToOpponentOnly(t *testing.T) {
	s, host, hostOut, _, guestOut := activeSession(t)

	before := len(hostOut.messages())
	guestBefore := len(guestOut.messages())

	s.notifyScroll(host, 120.5, 0.8)

	assert.Len(t, hostOut.messages(), before)

	guestMsgs := guestOut.messages()
	require.Len(t, guestMsgs, guestBefore+1)
	assert.Equal(t, scrolledMessage{
		Type:     "scrolled",
		PlayerID: host.id,
		Top:      120.5,
		Width:    0.8,
	}, guestMsgs[guestBefore])
}

func TestDisconnectWhileActiveForfeits(t *testing.T) {
	s, host, hostOut, guest, guestOut := activeSession(t)

	guestBefore := len(guestOut.messages())
	s.disconnect(host)

	require.Equal(t, sessionFinished, s.currentState())
	assert.Equal(t, guest, s.winner)

	guestMsgs := guestOut.messages()
	require.Len(t, guestMsgs, guestBefore+1)
	assert.Equal(t, outcomeMessage{Type: "won"}, guestMsgs[guestBefore])

	// Forfeits never produce a paths message.
	for _, msg := range guestMsgs {
		_, isPaths := msg.(pathsMessage)
		assert.False(t, isPaths)
	}
	for _, msg := range hostOut.messages() {
		_, isPaths := msg.(pathsMessage)
		assert.False(t, isPaths)
	}
}

func TestDisconnectWhileWaitingVacatesSlot(t *testing.T) {
	host, _ := newTestPlayer()
	s := newGameSession(testConfig(), "s1", host, testCatalog("Alpha", "Beta"), nil)

	s.disconnect(host)

	assert.Equal(t, sessionWaiting, s.currentState())
	assert.Nil(t, s.host)
}

func TestDisconnectAfterFinishIsNoop(t *testing.T) {
	s, host, _, guest, guestOut := activeSession(t)

	s.disconnect(host)
	require.Equal(t, sessionFinished, s.currentState())
	msgCount := len(guestOut.messages())

	s.disconnect(guest)
	s.disconnect(host)

	assert.Equal(t, sessionFinished, s.currentState())
	assert.Equal(t, guest, s.winner)
	assert.Len(t, guestOut.messages(), msgCount)
}
