// Command identity inspects and manages the local identity keypair.
//
//	identity show    print the registered public key, ensuring one exists
//	identity reset   wipe the stored keypair; the next session generates
//	                 a fresh identity and old messages become unreadable
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/quillmsg/quill/config"
	"github.com/quillmsg/quill/crypto/keystore"
	"github.com/quillmsg/quill/keys"
	"github.com/quillmsg/quill/transport"
)

func main() {
	configName := flag.String("config", "quill", "Config file name (without extension)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: identity [-config <name>] <show|reset>")
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

	manager := keys.NewManager(store, transport.NewClient(cfg.Server.BaseURL), cfg.UserID)

	switch flag.Arg(0) {
	case "show":
		publicKey, err := manager.EnsureKeys(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error ensuring keys: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("user:       %s\n", cfg.UserID)
		fmt.Printf("public key: %s\n", publicKey)
	case "reset":
		if err := manager.Reset(); err != nil {
			fmt.Fprintf(os.Stderr, "Error resetting identity: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Identity wiped. A new keypair will be generated on next use;")
		fmt.Println("messages encrypted to the old key can no longer be decrypted.")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", flag.Arg(0))
		os.Exit(1)
	}
}
