package ws

import (
	"context"
	"encoding/json"
	"sort"

	"catchdex.io/internal/dexerr"
	"catchdex.io/internal/protocol"
)

func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	addTo(s.byUser, sess.participant, sess)
	for _, ch := range sess.channels {
		addTo(s.byChan, ch, sess)
	}
	s.log.Printf("connect %s participant=%s role=%s channels=%v", sess.id, sess.participant, sess.role, sess.channels)
}

func (s *Server) unregister(sess *session) {
	sess.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
	removeFrom(s.byUser, sess.participant, sess)
	for _, ch := range sess.channels {
		removeFrom(s.byChan, ch, sess)
	}
	s.log.Printf("disconnect %s participant=%s", sess.id, sess.participant)
}

func addTo(m map[string]map[*session]struct{}, key string, sess *session) {
	set := m[key]
	if set == nil {
		set = map[*session]struct{}{}
		m[key] = set
	}
	set[sess] = struct{}{}
}

func removeFrom(m map[string]map[*session]struct{}, key string, sess *session) {
	if set := m[key]; set != nil {
		delete(set, sess)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

// Deliver sends p to every session subscribed to its channel and to every
// session of its recipients. A session whose queue is full is disconnected
// rather than allowed to miss a prompt silently.
func (s *Server) Deliver(ctx context.Context, p protocol.Prompt) error {
	if p.Channel == "" && len(p.Recipients) == 0 {
		return dexerr.New(dexerr.CodeBadRequest, "prompt has no audience")
	}
	if p.Type == "" {
		p.Type = protocol.TypePrompt
	}
	if p.ProtocolVersion == "" {
		p.ProtocolVersion = protocol.Version
	}
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	targets := map[*session]struct{}{}
	if p.Channel != "" {
		for sess := range s.byChan[p.Channel] {
			targets[sess] = struct{}{}
		}
	}
	for _, r := range p.Recipients {
		for sess := range s.byUser[r] {
			targets[sess] = struct{}{}
		}
	}
	s.mu.Unlock()

	for sess := range targets {
		if err := ctx.Err(); err != nil {
			return dexerr.Wrap(dexerr.CodeTimeout, "deliver", err)
		}
		select {
		case sess.out <- b:
		case <-sess.done:
		default:
			s.log.Printf("session %s (%s) is not keeping up; disconnecting", sess.id, sess.participant)
			sess.close()
		}
	}
	return nil
}

// Connected lists participants with at least one open session.
func (s *Server) Connected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.byUser))
	for p := range s.byUser {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Subscribers reports how many sessions follow channel.
func (s *Server) Subscribers(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byChan[channel])
}
