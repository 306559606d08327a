package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/palaverchat/palaver/internal/config"
	"github.com/palaverchat/palaver/internal/events"
	"github.com/palaverchat/palaver/internal/irc"
	"github.com/palaverchat/palaver/internal/logger"
	"github.com/palaverchat/palaver/internal/notify"
	"github.com/palaverchat/palaver/internal/security"
	"github.com/palaverchat/palaver/internal/state"
	"github.com/palaverchat/palaver/internal/storage"
	"github.com/palaverchat/palaver/internal/validation"
)

// autoconnectKey is the settings record holding the last successful
// connection parameters
const autoconnectKey = "autoconnect"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".palaver")
}

func main() {
	var (
		configPath = pflag.String("config", filepath.Join(defaultDataDir(), "config.yaml"), "configuration file")
		dataDir    = pflag.String("data-dir", defaultDataDir(), "directory for the database")
		server     = pflag.String("server", "", "server address (host:port), overrides the configuration")
		nick       = pflag.String("nick", "", "nickname, overrides the configuration")
		plaintext  = pflag.Bool("plaintext", false, "connect without TLS")
		channels   = pflag.StringSlice("channels", nil, "channels to join after registration")
		quiet      = pflag.Bool("quiet", false, "disable desktop notifications")
		debug      = pflag.Bool("debug", false, "verbose logging")
	)
	pflag.Parse()

	if *debug {
		logger.SetLevel(zerolog.DebugLevel)
	}
	log := logger.With("main")

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directory")
	}
	store, err := storage.NewStore(filepath.Join(*dataDir, "palaver.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	params, err := resolveParams(cfg, store, *server, *nick, *plaintext, *channels)
	if err != nil {
		log.Fatal().Err(err).Msg("No usable connection parameters")
	}

	if n, err := store.ImportLegacyReceipts(params.Identity()); err != nil {
		log.Warn().Err(err).Msg("Legacy receipt import failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("Imported legacy receipts")
	}

	bus := events.NewEventBus()
	tree := state.NewStore(bus)

	var notifier notify.Notifier = notify.NewDesktop()
	if *quiet {
		notifier = notify.Disabled{}
	}

	session := irc.NewSession(irc.Options{
		NetworkID: params.Addr,
		Store:     tree,
		Persist:   store,
		Bus:       bus,
		Notifier:  notifier,
		Dial:      irc.Dial,
	})

	bus.Subscribe(events.EventSessionError, events.SubscriberFunc(func(ev events.Event) {
		fmt.Fprintf(os.Stderr, "error: %v\n", ev.Data["error"])
	}))
	bus.Subscribe(events.EventConnected, events.SubscriberFunc(func(ev events.Event) {
		fmt.Printf("connected to %v as %v\n", ev.Data["network"], ev.Data["nick"])
	}))
	bus.Subscribe(events.EventBufferChanged, events.SubscriberFunc(func(ev events.Event) {
		printLatest(tree, ev)
	}))

	if err := session.Connect(params); err != nil {
		log.Fatal().Err(err).Msg("Connection failed")
	}
	if err := store.SaveSetting(autoconnectKey, params); err != nil {
		log.Warn().Err(err).Msg("Failed to save connection parameters")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			session.Disconnect()
			return
		case line, ok := <-lines:
			if !ok {
				session.Disconnect()
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			// Errors are already surfaced through the event bus
			_ = session.Execute(line)
		}
	}
}

// resolveParams layers flags over the configuration file over the stored
// auto-connect record, and pulls passwords from the keychain
func resolveParams(cfg config.Config, store *storage.Store, server, nick string, plaintext bool, channels []string) (irc.ConnectParams, error) {
	params := irc.ConnectParams{
		Addr:     cfg.Addr,
		TLS:      cfg.TLS,
		Nick:     cfg.Nick,
		Username: cfg.Username,
		Realname: cfg.Realname,
		Autojoin: cfg.Channels,
	}
	if cfg.SASL.Username != "" {
		params.SASL = &irc.SASLParams{
			Mechanism: cfg.SASL.Mechanism,
			Username:  cfg.SASL.Username,
		}
	}

	if params.Addr == "" && server == "" {
		var stored irc.ConnectParams
		if ok, err := store.LoadSetting(autoconnectKey, &stored); err == nil && ok {
			params = stored
		}
	}

	if server != "" {
		params.Addr = server
	}
	if nick != "" {
		params.Nick = nick
	}
	if plaintext {
		params.TLS = false
	}
	if len(channels) > 0 {
		params.Autojoin = channels
	}

	if err := validation.ValidateConnectParams(params.Addr, params.Nick, params.Autojoin); err != nil {
		return irc.ConnectParams{}, err
	}

	keychain := security.NewKeychain()
	if pass, err := keychain.GetPassword(security.ServerAccount(params.Addr, params.Nick)); err == nil {
		params.Pass = pass
	}
	if params.SASL != nil {
		pass, err := keychain.GetPassword(security.SASLAccount(params.Addr, params.SASL.Username))
		if err != nil {
			return irc.ConnectParams{}, err
		}
		if pass == "" {
			return irc.ConnectParams{}, fmt.Errorf("no keychain credentials for sasl user %q", params.SASL.Username)
		}
		params.SASL.Password = pass
	}
	return params, nil
}

// printLatest echoes the newest message of a changed buffer to stdout
func printLatest(tree *state.Store, ev events.Event) {
	id, ok := ev.Data["buffer"].(int)
	if !ok {
		return
	}
	buf, ok := tree.ResolveBuffer(state.ByID(id))
	if !ok || len(buf.Messages) == 0 {
		return
	}
	m := buf.Messages[len(buf.Messages)-1]
	if m.Command != "PRIVMSG" && m.Command != "NOTICE" {
		return
	}
	from := "?"
	if m.Prefix != nil {
		from = m.Prefix.Name
	}
	fmt.Printf("%s [%s] <%s> %s\n", m.Time.Format("15:04:05"), buf.Name, from, m.Text())
}
