package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"govotifier/internal/client"
	"govotifier/internal/config"
	"govotifier/internal/crypto"
	"govotifier/internal/proto"
	"govotifier/internal/vote"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDaemon(ctx, args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "pubkey":
		return runPubkey(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "testvote":
		return runTestVote(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: votifierd <run|keygen|pubkey|token|testvote> [args]")
	fmt.Fprintln(w, "  run      [--home <dir>] [--config <file>] [--debug]")
	fmt.Fprintln(w, "  keygen   [--home <dir>] [--bits 2048] [--force]")
	fmt.Fprintln(w, "  pubkey   [--home <dir>]")
	fmt.Fprintln(w, "  token")
	fmt.Fprintln(w, "  testvote --addr <host:port> [--token <t> | --legacy --home <dir>] [--service s] [--username u] [--address a]")
}

func defaultHome() string {
	if h := strings.TrimSpace(os.Getenv("VOTIFIER_HOME")); h != "" {
		return h
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".votifier")
}

func keyStore(home string) crypto.DirKeyStore {
	return crypto.DirKeyStore{Dir: filepath.Join(home, "rsa")}
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", defaultHome(), "data directory")
	bits := fs.Int("bits", crypto.DefaultKeyBits, "rsa modulus size")
	force := fs.Bool("force", false, "replace an existing key pair")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	store := keyStore(*home)
	if _, err := store.Load(); err == nil && !*force {
		fmt.Fprintln(stderr, "key pair already exists; pass --force to replace it")
		return 1
	} else if err != nil && !errors.Is(err, crypto.ErrNoKeyPair) && !*force {
		fmt.Fprintf(stderr, "load key pair failed: %v\n", err)
		return 1
	}
	priv, err := crypto.GenerateKeyPair(*bits)
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	if err := store.Save(priv); err != nil {
		fmt.Fprintf(stderr, "save key pair failed: %v\n", err)
		return 1
	}
	pub, err := crypto.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		fmt.Fprintf(stderr, "encode public key failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, pub)
	return 0
}

func runPubkey(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pubkey", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", defaultHome(), "data directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	priv, err := keyStore(*home).Load()
	if err != nil {
		fmt.Fprintf(stderr, "load key pair failed: %v\n", err)
		return 1
	}
	pub, err := crypto.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		fmt.Fprintf(stderr, "encode public key failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, pub)
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	tok, err := crypto.NewToken()
	if err != nil {
		fmt.Fprintf(stderr, "token failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}

func runTestVote(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("testvote", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "votifier addr (host:port)")
	token := fs.String("token", "", "site token for a v2 vote")
	legacy := fs.Bool("legacy", false, "send a v1 vote encrypted to the key under --home")
	home := fs.String("home", defaultHome(), "data directory (for --legacy)")
	service := fs.String("service", "TestVote", "service name")
	username := fs.String("username", "test", "username")
	address := fs.String("address", "127.0.0.1", "voter address")
	timeout := fs.Duration("timeout", 5*time.Second, "dial and io timeout")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if !*legacy && *token == "" {
		fmt.Fprintln(stderr, "need --token or --legacy")
		return 1
	}
	v := vote.Vote{
		ServiceName: *service,
		Username:    *username,
		Address:     *address,
		Timestamp:   fmt.Sprint(time.Now().UnixMilli()),
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := client.Client{Addr: *addr, Timeout: *timeout}
	if *legacy {
		priv, err := keyStore(*home).Load()
		if err != nil {
			fmt.Fprintf(stderr, "load key pair failed: %v\n", err)
			return 1
		}
		if err := c.SendLegacy(ctx, &priv.PublicKey, v); err != nil {
			fmt.Fprintf(stderr, "send failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "sent %s\n", v)
		return 0
	}
	status, err := c.SendModern(ctx, *token, v)
	if err != nil {
		fmt.Fprintf(stderr, "send failed: %v\n", err)
		return 1
	}
	if status.Status != proto.StatusOK {
		fmt.Fprintf(stderr, "rejected: %s: %s\n", status.Cause, status.Error)
		return 1
	}
	fmt.Fprintf(stdout, "accepted %s\n", v)
	return 0
}

func loadConfig(home, path string, stderr io.Writer) (config.Config, bool) {
	if path == "" {
		path = filepath.Join(home, config.DefaultFile)
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return config.Config{}, false
	}
	if created {
		fmt.Fprintf(stderr, "wrote default config to %s; default token is %s\n", path, cfg.Tokens["default"])
	}
	return cfg, true
}
