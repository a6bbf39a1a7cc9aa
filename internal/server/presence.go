package server

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tanvirwebtech/hype-chat-server/internal/auth"
)

// Broadcaster announces presence after every registry change.
type Broadcaster interface {
	// Notify pushes the current presence to every live connection and
	// returns the connections that could not keep up.
	Notify() []*Connection
}

// PresenceBroadcaster sends the full roster on every change. Anonymous
// connections receive the roster but are not listed in it.
type PresenceBroadcaster struct {
	registry *Registry
	log      zerolog.Logger
}

func NewPresenceBroadcaster(registry *Registry, log zerolog.Logger) *PresenceBroadcaster {
	return &PresenceBroadcaster{registry: registry, log: log}
}

func (p *PresenceBroadcaster) Notify() []*Connection {
	conns := p.registry.Snapshot()

	payload, err := json.Marshal(rosterFrame{Online: Roster(conns)})
	if err != nil {
		p.log.Error().Err(err).Msg("failed to encode roster")
		return nil
	}

	var stalled []*Connection
	for _, c := range conns {
		if err := p.registry.Deliver(c, payload); errors.Is(err, ErrSendBufferFull) {
			stalled = append(stalled, c)
		}
	}

	p.log.Debug().
		Int("connections", len(conns)).
		Int("stalled", len(stalled)).
		Msg("roster broadcast")
	return stalled
}

// Roster projects connections to the identities behind them: one entry per
// identified connection, ordered by user id then username.
func Roster(conns []*Connection) []auth.Identity {
	online := lo.FilterMap(conns, func(c *Connection, _ int) (auth.Identity, bool) {
		id := c.Identity()
		if id == nil {
			return auth.Identity{}, false
		}
		return *id, true
	})
	sort.Slice(online, func(i, j int) bool {
		if online[i].UserID != online[j].UserID {
			return online[i].UserID < online[j].UserID
		}
		return online[i].Username < online[j].Username
	})
	return online
}
