// Command hashtreed is the hashtreed runtime's process entrypoint: it
// loads configuration, bootstraps every layer via pkg/orchestrator, and
// serves until interrupted.
//
// The flag handling and fatal-on-setup-error style mirror blobstash.go's
// own main().
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nbd-wtf/go-nostr"

	"github.com/mmalmi/hashtreed/internal/config"
	"github.com/mmalmi/hashtreed/internal/logging"
	"github.com/mmalmi/hashtreed/pkg/orchestrator"
)

func main() {
	confPath := flag.String("config", "", "Path to a YAML config file (optional)")
	flag.Parse()

	conf, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config at %q: %v\n", *confPath, err)
		os.Exit(1)
	}

	signer, err := loadOrCreateIdentity(conf.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load identity: %v\n", err)
		os.Exit(1)
	}

	o, err := orchestrator.New(conf, signer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}

	if err := o.Bootstrap(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	logging.Root.Info("hashtreed listening", "addr", o.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- o.Serve() }()

	select {
	case <-sig:
		logging.Root.Info("shutting down")
		o.Close(context.Background())
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// identitySigner is the default Signer: a single secp256k1 keypair
// persisted as hex in <dataDir>/identity.key, generated on first run.
type identitySigner struct {
	privkey string
	pubkey  string
}

func loadOrCreateIdentity(dataDir string) (*identitySigner, error) {
	path := filepath.Join(dataDir, "identity.key")
	data, err := os.ReadFile(path)
	if err == nil {
		sk := string(data)
		pk, err := nostr.GetPublicKey(sk)
		if err != nil {
			return nil, err
		}
		return &identitySigner{privkey: sk, pubkey: pk}, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(sk), 0600); err != nil {
		return nil, err
	}
	return &identitySigner{privkey: sk, pubkey: pk}, nil
}

func (s *identitySigner) SignEvent(ev *nostr.Event) error {
	ev.PubKey = s.pubkey
	return ev.Sign(s.privkey)
}

func (s *identitySigner) PublicKey() string {
	return s.pubkey
}
