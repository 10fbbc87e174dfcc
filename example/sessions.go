package main

import (
	"sort"
	"sync"
	"time"

	"github.com/Zereker/chatsock"
	jsoniter "github.com/json-iterator/go"
)

// Message ids served by the demo.
const (
	msgEcho      = 1
	msgBroadcast = 2
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// echoHandler sends the frame back unchanged.
func echoHandler(conn chatsock.Connection, msg *chatsock.Message, _ time.Time) {
	_ = conn.Send(msg.Raw)
}

type broadcast struct {
	MsgID int    `json:"msgid"`
	From  string `json:"from"`
	Text  string `json:"text"`
	Sent  int64  `json:"sent"`
}

// sessionRegistry tracks open connections so handlers can reach them.
type sessionRegistry struct {
	logger chatsock.Logger

	sync.RWMutex
	connections map[string]chatsock.Connection
}

func newSessionRegistry(logger chatsock.Logger) *sessionRegistry {
	return &sessionRegistry{logger: logger, connections: make(map[string]chatsock.Connection)}
}

func (s *sessionRegistry) NotifySessionOpened(conn chatsock.Connection) {
	s.Lock()
	defer s.Unlock()

	s.logger.Info("add new session", "conn", conn.ID(), "addr", conn.RemoteAddr())
	s.connections[conn.ID()] = conn
}

func (s *sessionRegistry) NotifySessionClosed(conn chatsock.Connection) {
	s.Lock()
	defer s.Unlock()

	s.logger.Info("remove session", "conn", conn.ID())
	delete(s.connections, conn.ID())
}

func (s *sessionRegistry) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.connections)
}

// handlers returns the handler registry served by this daemon.
func (s *sessionRegistry) handlers() *chatsock.Registry {
	registry := chatsock.NewRegistry()
	registry.MustRegister(msgEcho, echoHandler)
	registry.MustRegister(msgBroadcast, s.broadcastHandler)
	return registry
}

// peers returns every session except the one with id, ordered by id.
func (s *sessionRegistry) peers(id string) []chatsock.Connection {
	s.RLock()
	defer s.RUnlock()

	out := make([]chatsock.Connection, 0, len(s.connections))
	for cid, c := range s.connections {
		if cid != id {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// broadcastHandler relays the "text" field to every other session.
func (s *sessionRegistry) broadcastHandler(conn chatsock.Connection, msg *chatsock.Message, ts time.Time) {
	text, _ := msg.Get("text")
	str, _ := text.(string)

	payload, err := json.Marshal(broadcast{
		MsgID: msgBroadcast,
		From:  conn.ID(),
		Text:  str,
		Sent:  ts.UnixMilli(),
	})
	if err != nil {
		s.logger.Error("encode broadcast", "error", err)
		return
	}

	for _, peer := range s.peers(conn.ID()) {
		if err := peer.Send(payload); err != nil {
			s.logger.Debug("broadcast dropped", "conn", peer.ID(), "error", err)
		}
	}
}
