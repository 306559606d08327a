package irc

import (
	"github.com/palaverchat/palaver/internal/storage"
)

// SASLParams selects an authentication mechanism and its credentials. The
// password is never serialized; it travels through the OS keychain.
type SASLParams struct {
	Mechanism string `json:"mechanism"`
	Username  string `json:"username"`
	Password  string `json:"-"`
}

// ConnectParams is everything needed to establish one connection. The
// serializable subset is what gets stored for auto-connect; passwords are
// excluded and resolved from the keychain at connect time.
type ConnectParams struct {
	Addr           string      `json:"addr"`
	TLS            bool        `json:"tls"`
	Nick           string      `json:"nick"`
	Username       string      `json:"username,omitempty"`
	Realname       string      `json:"realname,omitempty"`
	Pass           string      `json:"-"`
	Autojoin       []string    `json:"autojoin,omitempty"`
	BouncerNetwork string      `json:"bouncerNetwork,omitempty"`
	SASL           *SASLParams `json:"sasl,omitempty"`
}

// Identity returns the persistence identity scoping receipts and unread
// state to this connection
func (p ConnectParams) Identity() storage.ServerIdentity {
	return storage.ServerIdentity{
		URL:            p.Addr,
		Nick:           p.Nick,
		BouncerNetwork: p.BouncerNetwork,
	}
}

// EffectiveUsername returns the USER name, falling back to the nick
func (p ConnectParams) EffectiveUsername() string {
	if p.Username != "" {
		return p.Username
	}
	return p.Nick
}

// EffectiveRealname returns the real name, falling back to the nick
func (p ConnectParams) EffectiveRealname() string {
	if p.Realname != "" {
		return p.Realname
	}
	return p.Nick
}

// baseCaps are the capabilities requested on every connection when the
// server advertises them
var baseCaps = []string{
	"message-tags",
	"server-time",
	"batch",
	"draft/chathistory",
	"echo-message",
	"away-notify",
	"cap-notify",
}
