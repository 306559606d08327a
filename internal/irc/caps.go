package irc

import (
	"fmt"
	"strings"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/palaverchat/palaver/internal/state"
)

// handleCap drives capability negotiation; s.mu must be held. The LS
// listing may span multiple lines ("*" continuation marker); requests go
// out once the listing is complete, and CAP END waits for every request to
// be answered and any SASL exchange to finish.
func (s *Session) handleCap(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	sub := strings.ToUpper(msg.Params[1])
	switch sub {
	case "LS":
		args := msg.Params[2:]
		more := args[0] == "*"
		for _, entry := range strings.Fields(args[len(args)-1]) {
			name, value, _ := strings.Cut(entry, "=")
			s.availableCaps[strings.ToLower(name)] = value
		}
		if !more {
			s.requestCapsLocked()
		}
	case "ACK", "NAK":
		for _, name := range strings.Fields(msg.Params[len(msg.Params)-1]) {
			name = strings.ToLower(name)
			if s.requestedCaps > 0 {
				s.requestedCaps--
			}
			if sub != "ACK" {
				s.log.Warn().Str("cap", name).Msg("Capability rejected")
				continue
			}
			s.enabledCaps[name] = true
			if name == "sasl" && s.params.SASL != nil {
				s.startSASLLocked()
			}
		}
		s.maybeEndCapLocked()
	case "NEW":
		for _, entry := range strings.Fields(msg.Params[len(msg.Params)-1]) {
			name, value, _ := strings.Cut(entry, "=")
			name = strings.ToLower(name)
			s.availableCaps[name] = value
			if s.wantsCap(name) && !s.enabledCaps[name] {
				s.requestedCaps++
				s.sendCap("REQ", name)
			}
		}
	case "DEL":
		for _, name := range strings.Fields(msg.Params[len(msg.Params)-1]) {
			name = strings.ToLower(name)
			delete(s.availableCaps, name)
			delete(s.enabledCaps, name)
		}
	}
}

func (s *Session) wantsCap(name string) bool {
	for _, want := range baseCaps {
		if want == name {
			return true
		}
	}
	return name == "sasl" && s.params.SASL != nil
}

// requestCapsLocked requests the intersection of what we support and what
// the server advertised; s.mu must be held
func (s *Session) requestCapsLocked() {
	var req []string
	for _, name := range baseCaps {
		if _, ok := s.availableCaps[name]; ok {
			req = append(req, name)
		}
	}
	if s.params.SASL != nil {
		if _, ok := s.availableCaps["sasl"]; ok {
			req = append(req, "sasl")
		} else {
			s.sessionError(fmt.Errorf("server does not support sasl authentication"))
		}
	}
	if len(req) == 0 {
		s.sendCap("END")
		return
	}
	s.requestedCaps += len(req)
	s.sendCap("REQ", strings.Join(req, " "))
}

// maybeEndCapLocked closes negotiation once nothing is outstanding; s.mu
// must be held
func (s *Session) maybeEndCapLocked() {
	if s.requestedCaps <= 0 && s.sasl == nil {
		s.sendCap("END")
	}
}

func (s *Session) sendCap(params ...string) {
	if err := s.send("CAP", params...); err != nil {
		s.log.Error().Err(err).Msg("Failed to send CAP")
	}
}

// startSASLLocked opens the SASL exchange for the configured mechanism;
// s.mu must be held
func (s *Session) startSASLLocked() {
	cfg := s.params.SASL
	mech := strings.ToUpper(cfg.Mechanism)
	if mech == "" {
		mech = "PLAIN"
	}
	client, err := newSASLClient(mech, cfg.Username, cfg.Password)
	if err != nil {
		s.sessionError(err)
		s.maybeEndCapLocked()
		return
	}
	s.sasl = client
	s.log.Debug().Str("mechanism", mech).Msg("Starting SASL authentication")
	if err := s.send("AUTHENTICATE", mech); err != nil {
		s.log.Error().Err(err).Msg("Failed to start SASL")
		s.sasl = nil
		s.maybeEndCapLocked()
	}
}

// handleAuthenticate answers one server challenge; s.mu must be held
func (s *Session) handleAuthenticate(msg ircmsg.Message) {
	if s.sasl == nil || len(msg.Params) < 1 {
		return
	}
	resp, err := s.sasl.Respond(msg.Params[0])
	if err != nil {
		s.sessionError(fmt.Errorf("sasl authentication failed: %w", err))
		s.sasl = nil
		if err := s.send("AUTHENTICATE", "*"); err != nil {
			s.log.Error().Err(err).Msg("Failed to abort SASL")
		}
		s.maybeEndCapLocked()
		return
	}
	if err := s.send("AUTHENTICATE", resp); err != nil {
		s.log.Error().Err(err).Msg("Failed to send SASL response")
	}
}

func (s *Session) handleSASLSuccess(msg ircmsg.Message) {
	s.log.Info().Msg("SASL authentication succeeded")
	s.sasl = nil
	s.maybeEndCapLocked()
	s.addMessageLocked(state.ServerBufferName, toStateMessage(msg))
}

func (s *Session) handleSASLFailure(msg ircmsg.Message) {
	reason := msg.Command
	if len(msg.Params) > 0 {
		reason = msg.Params[len(msg.Params)-1]
	}
	s.sessionError(fmt.Errorf("sasl authentication failed: %s", reason))
	s.sasl = nil
	s.maybeEndCapLocked()
	s.addMessageLocked(state.ServerBufferName, toStateMessage(msg))
}
