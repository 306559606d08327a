package validation

import (
	"fmt"
	"strings"
)

// ValidateConnectParams validates the fields of a connect-parameter
// snapshot before a connection attempt
func ValidateConnectParams(addr, nick string, autojoin []string) error {
	if err := ValidateServerAddress(addr); err != nil {
		return err
	}
	if err := ValidateNickname(nick); err != nil {
		return err
	}
	for _, channel := range autojoin {
		if err := ValidateChannelName(channel); err != nil {
			return fmt.Errorf("autojoin: %w", err)
		}
	}
	return nil
}

// ValidateChannelName validates an IRC channel name
func ValidateChannelName(channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("channel name is required")
	}
	// IRC channels must start with #, &, +, or !
	if channel[0] != '#' && channel[0] != '&' && channel[0] != '+' && channel[0] != '!' {
		return fmt.Errorf("channel name must start with #, &, +, or !")
	}
	// Channel names have length limits (typically 50 chars, but varies by server)
	if len(channel) > 200 {
		return fmt.Errorf("channel name too long (max 200 characters)")
	}
	// Check for invalid characters
	if strings.ContainsAny(channel, " \x00\x07\x0A\x0D,") {
		return fmt.Errorf("channel name contains invalid characters")
	}
	return nil
}

// ValidateNickname validates an IRC nickname
func ValidateNickname(nick string) error {
	nick = strings.TrimSpace(nick)
	if nick == "" {
		return fmt.Errorf("nickname is required")
	}
	if strings.ContainsAny(nick, " \x00\x07\x0A\x0D,#&") {
		return fmt.Errorf("nickname contains invalid characters")
	}
	return nil
}

// ValidateServerAddress validates a host:port server address
func ValidateServerAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("server address is required")
	}
	if !strings.Contains(addr, ":") {
		return fmt.Errorf("server address must be host:port")
	}
	return nil
}
