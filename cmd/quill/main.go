// Command quill is an interactive end-to-end encrypted chat client.
// It ensures an identity keypair exists in the OS keyring, opens a session
// with one peer, prints the decrypted conversation, and reads outgoing
// messages line by line from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/quillmsg/quill/config"
	"github.com/quillmsg/quill/conversation"
	"github.com/quillmsg/quill/crypto/keystore"
	"github.com/quillmsg/quill/keys"
	"github.com/quillmsg/quill/session"
	"github.com/quillmsg/quill/transport"
)

func main() {
	var (
		configName = flag.String("config", "quill", "Config file name (without extension)")
		peerID     = flag.String("peer", "", "User id of the peer to chat with")
	)
	flag.Parse()

	if *peerID == "" {
		fmt.Fprintln(os.Stderr, "Usage: quill -peer <user-id> [-config <name>]")
		os.Exit(1)
	}

	v, err := config.LoadConfig(*configName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config: %v\n", err)
		os.Exit(1)
	}
	setLogLevel(cfg.Logger.Level)

	store, err := keystore.Open(keystore.Config{
		ServiceName:  cfg.Keyring.Service,
		Backend:      cfg.Keyring.Backend,
		FileDir:      cfg.Keyring.FileDir,
		FilePassword: cfg.Keyring.FilePassword,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening keystore: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := transport.NewClient(cfg.Server.BaseURL)
	channel, err := transport.Dial(ctx, cfg.Server.SocketURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", cfg.Server.SocketURL, err)
		os.Exit(1)
	}
	defer channel.Close()

	controller := session.New(session.Config{
		UserID:   cfg.UserID,
		PeerID:   *peerID,
		Keys:     keys.NewManager(store, client, cfg.UserID),
		Resolver: keys.NewResolver(client),
		History:  client,
		Realtime: channel,
		Cache:    conversation.NewCache(),
		OnMessage: func(m conversation.Message) {
			fmt.Printf("%s: %s\n", m.SenderID, m.DisplayText())
		},
	})

	if err := controller.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error opening session: %v\n", err)
		os.Exit(1)
	}
	defer controller.Close()

	for _, m := range controller.History() {
		name := m.SenderID
		if name == cfg.UserID {
			name = "me"
		}
		fmt.Printf("%s: %s\n", name, m.DisplayText())
	}
	fmt.Printf("-- chatting with %s as %s (ctrl-d to quit) --\n", *peerID, cfg.UserID)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := controller.Send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
			continue
		}
		fmt.Printf("me: %s\n", line)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		jww.SetStdoutThreshold(jww.LevelDebug)
	case "warn":
		jww.SetStdoutThreshold(jww.LevelWarn)
	case "error":
		jww.SetStdoutThreshold(jww.LevelError)
	default:
		jww.SetStdoutThreshold(jww.LevelInfo)
	}
}
