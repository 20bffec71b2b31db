// Package main implements the comb node daemon and its operator CLI.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/WebFirstLanguage/combnet/internal/kad"
	"github.com/WebFirstLanguage/combnet/internal/store"
	"github.com/WebFirstLanguage/combnet/pkg/config"
	"github.com/WebFirstLanguage/combnet/pkg/constants"
	"github.com/WebFirstLanguage/combnet/pkg/content"
	"github.com/WebFirstLanguage/combnet/pkg/control"
	"github.com/WebFirstLanguage/combnet/pkg/courier"
	"github.com/WebFirstLanguage/combnet/pkg/identity"
	"github.com/WebFirstLanguage/combnet/pkg/kv/boltkv"
	"github.com/WebFirstLanguage/combnet/pkg/overlay"
	"github.com/WebFirstLanguage/combnet/pkg/transfer"
	"github.com/WebFirstLanguage/combnet/pkg/transport"
	"github.com/WebFirstLanguage/combnet/pkg/transport/quic"
	"github.com/WebFirstLanguage/combnet/pkg/transport/tcp"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

// dialTimeout bounds a CLI connection to the control API.
const dialTimeout = 2 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		err = startCommand(args)
	case "status":
		err = statusCommand(args)
	case "put":
		err = putCommand(args)
	case "get":
		err = getCommand(args)
	case "keygen":
		err = keygenCommand(args)
	case "id":
		err = idCommand(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("comb %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`comb v%s - combnet overlay node

Usage:
  comb <command> [options]

Commands:
  start     Start the node daemon
  status    Show the running node's status
  put       Store a file on the network
  get       Fetch content by id
  keygen    Generate a new identity
  id        Show the node identity
  version   Show version information
  help      Show this help message

Examples:
  # Start a node with defaults
  comb start

  # Start with an env file and a bootstrap seed
  comb start --env ./node.env
  COMB_SEEDS=comb:key:<hex>@203.0.113.5:27520 comb start

  # Store a file, then fetch it from any node on the network
  comb put ./photo.jpg
  comb get <content-id> -o photo.jpg

Configuration is read from COMB_* environment variables; see pkg/config
for the full list.

`, version)
}

// defaultDataDir resolves the directory holding the identity file and
// the content database.
func defaultDataDir() string {
	if v := os.Getenv("COMB_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".comb"
	}
	return filepath.Join(home, ".comb")
}

func defaultControlAddr() string {
	if v := os.Getenv("COMB_CONTROL_ADDR"); v != "" {
		return v
	}
	return config.Default().ControlAddr
}

// loadOrCreateIdentity loads the identity file, generating and saving a
// fresh identity on first run.
func loadOrCreateIdentity(path string) (*identity.Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return identity.LoadFromFile(path)
	}

	fmt.Println("No existing identity found, generating a new one...")
	ident, err := identity.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := ident.SaveToFile(path); err != nil {
		return nil, err
	}
	fmt.Printf("New identity saved to %s\n", path)
	return ident, nil
}

// transferTLS builds the TLS listener config for bulk transfers. The
// certificate is self-signed with the node's signing key, so it is
// stable across restarts without any provisioning step.
func transferTLS(ident *identity.Identity) (*tls.Config, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: ident.NID()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, ident.SigningPublicKey, ident.SigningPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("create transfer certificate: %w", err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  ident.SigningPrivateKey,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{constants.TransferALPN},
	}, nil
}

// startCommand runs the node until SIGINT or SIGTERM.
func startCommand(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	envFile := fs.String("env", "", "env file to load before reading COMB_* variables")
	fs.Parse(args)

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	ident, err := loadOrCreateIdentity(filepath.Join(dataDir, "identity.json"))
	if err != nil {
		return err
	}
	self := kad.ID(ident.NodeID())
	fmt.Printf("NID: %s\n", ident.NID())
	fmt.Printf("Node ID: %s\n", self.Hex())

	logf := log.New(os.Stdout, "", log.LstdFlags).Printf

	db, err := boltkv.Open(filepath.Join(dataDir, "content.db"))
	if err != nil {
		return fmt.Errorf("open content database: %w", err)
	}
	st, err := store.New(self, db, cfg.StorageCapacity)
	if err != nil {
		db.Close()
		return fmt.Errorf("open content store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsServer, err := transferTLS(ident)
	if err != nil {
		return err
	}
	transports := transport.NewRegistry()
	transports.Register("quic", quic.New())
	transports.Register("tcp", tcp.New())
	streams, ok := transports.Get(cfg.Transport)
	if !ok {
		return fmt.Errorf("unknown transfer transport %q, have %s",
			cfg.Transport, strings.Join(transports.List(), ", "))
	}
	xfer, err := transfer.New(transfer.Config{
		Transport:  streams,
		ListenAddr: cfg.TransferAddr,
		TLSServer:  tlsServer,
		// Peers present self-signed certificates, so there is no chain
		// to verify; sessions are matched by advertised connection id.
		TLSClient: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{constants.TransferALPN},
		},
		Logf: logf,
	})
	if err != nil {
		return err
	}
	if err := xfer.Start(ctx); err != nil {
		return err
	}
	defer xfer.Close()

	// The courier needs its handler at bind time, while the overlay
	// needs the courier as its messenger. The pointer breaks the cycle;
	// datagrams arriving before the overlay exists are dropped.
	var node atomic.Pointer[overlay.Service]
	cour, err := courier.New(courier.Config{ListenAddr: cfg.ListenAddr, Logf: logf},
		func(from *net.UDPAddr, payload []byte) ([]byte, error) {
			svc := node.Load()
			if svc == nil {
				return nil, errors.New("node still starting")
			}
			return svc.HandleRequest(from.String(), payload)
		})
	if err != nil {
		return err
	}
	defer cour.Close()

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cour.LocalAddr().String()
	}

	seeds, err := overlay.ParseSeeds(cfg.Seeds)
	if err != nil {
		return err
	}

	svc, err := overlay.New(overlay.Config{
		Identity:      ident,
		Name:          cfg.Name,
		AdvertiseAddr: advertise,
		Messenger:     cour,
		Store:         st,
		Transfers:     xfer,
		TableConfig: &kad.TableConfig{
			BucketSize:      cfg.BucketSize,
			MaxReplacements: constants.MaxReplacements,
			MaxBucketDepth:  cfg.MaxBucketDepth,
		},
		Lookup:      kad.LookupConfig{Alpha: cfg.Alpha},
		Seeds:       seeds,
		InlineLimit: cfg.InlineLimit,
		Logf:        logf,
	})
	if err != nil {
		return err
	}
	node.Store(svc)

	if err := svc.Start(ctx); err != nil {
		return err
	}

	ctrl, err := control.NewServer(control.Config{Node: svc, Logf: logf})
	if err != nil {
		return err
	}
	ctrlListener, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen on control address %s: %w", cfg.ControlAddr, err)
	}
	go func() {
		if err := ctrl.Serve(ctx, ctrlListener); err != nil && !errors.Is(err, context.Canceled) {
			logf("control: %v", err)
		}
	}()

	fmt.Printf("Overlay listening on %s\n", cour.LocalAddr())
	fmt.Printf("Transfer listening on %s\n", xfer.Addr())
	fmt.Printf("Control API on %s\n", ctrlListener.Addr())
	fmt.Println("Node running. Press Ctrl+C to stop.")

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logf("stop overlay: %v", err)
	}
	return nil
}

// statusCommand queries the running daemon over the control API.
func statusCommand(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("control", defaultControlAddr(), "control API address of the running node")
	fs.Parse(args)

	client, err := control.Dial(*addr, dialTimeout)
	if err != nil {
		fmt.Println("Node is not running")
		return nil
	}
	defer client.Close()

	var info overlay.Info
	if err := client.Call("info", nil, &info); err != nil {
		return fmt.Errorf("query node info: %w", err)
	}

	fmt.Println("Node is running")
	fmt.Printf("NID: %s\n", info.NID)
	if info.Name != "" {
		fmt.Printf("Name: %s\n", info.Name)
	}
	fmt.Printf("State: %s\n", info.State)
	fmt.Printf("Address: %s\n", info.Addr)
	fmt.Printf("Peers: %d in %d bucket(s)\n", info.Peers, info.Buckets)
	fmt.Printf("Store: %d record(s), %d of %d bytes\n", info.StoreCount, info.StoreUsage, info.StoreCapacity)
	fmt.Printf("Radius: %s\n", info.Radius)
	return nil
}

// putCommand stores a file (or stdin with "-") through the running
// daemon and prints the derived content id.
func putCommand(args []string) error {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	addr := fs.String("control", defaultControlAddr(), "control API address of the running node")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: comb put [--control addr] <file>")
	}

	payload, err := readInput(fs.Arg(0))
	if err != nil {
		return err
	}
	if len(payload) > constants.MaxContentSize {
		return fmt.Errorf("content is %d bytes, the network limit is %d", len(payload), constants.MaxContentSize)
	}

	client, err := control.Dial(*addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("node is not reachable (is it running?): %w", err)
	}
	defer client.Close()

	var res control.StoreResult
	if err := client.Call("store", map[string][]byte{"payload": payload}, &res); err != nil {
		return err
	}
	fmt.Printf("ID: %s\n", res.ID)
	fmt.Printf("Size: %d bytes\n", res.Size)
	return nil
}

// getCommand fetches content by id through the running daemon. The
// payload goes to stdout unless -o names a file.
func getCommand(args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addr := fs.String("control", defaultControlAddr(), "control API address of the running node")
	output := fs.String("o", "", "write the payload to this file instead of stdout")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: comb get [--control addr] [-o file] <content-id>")
	}

	id, err := content.ParseID(fs.Arg(0))
	if err != nil {
		return err
	}

	client, err := control.Dial(*addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("node is not reachable (is it running?): %w", err)
	}
	defer client.Close()

	var res control.LookupResult
	if err := client.Call("lookup", map[string]string{"id": id.Hex()}, &res); err != nil {
		return err
	}
	if err := content.VerifyPayload(id, res.Payload); err != nil {
		return err
	}

	if *output == "" {
		if _, err := os.Stdout.Write(res.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
		if res.From != "" {
			fmt.Fprintf(os.Stderr, "Fetched %d bytes from %s via %d hop(s)\n", len(res.Payload), res.From, len(res.Path))
		}
		return nil
	}
	if err := os.WriteFile(*output, res.Payload, 0644); err != nil {
		return fmt.Errorf("write %s: %w", *output, err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(res.Payload), *output)
	if res.From != "" {
		fmt.Printf("From: %s (%d hop(s))\n", res.From, len(res.Path))
	} else {
		fmt.Println("Served from the local store")
	}
	return nil
}

// keygenCommand generates a fresh identity, asking before it replaces
// an existing one.
func keygenCommand(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	force := fs.Bool("force", false, "overwrite an existing identity without asking")
	fs.Parse(args)

	path := filepath.Join(defaultDataDir(), "identity.json")
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Printf("Warning: identity already exists at %s\n", path)
		fmt.Print("Overwrite? (y/N): ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Keeping the existing identity")
			return nil
		}
	}

	ident, err := identity.GenerateIdentity()
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	if err := ident.SaveToFile(path); err != nil {
		return err
	}

	fmt.Printf("New identity saved to %s\n", path)
	fmt.Printf("NID: %s\n", ident.NID())
	fmt.Printf("Node ID: %s\n", kad.ID(ident.NodeID()).Hex())
	return nil
}

// idCommand prints the node identity, creating one on first run.
func idCommand(args []string) error {
	path := filepath.Join(defaultDataDir(), "identity.json")
	ident, err := loadOrCreateIdentity(path)
	if err != nil {
		return err
	}
	fmt.Printf("NID: %s\n", ident.NID())
	fmt.Printf("Node ID: %s\n", kad.ID(ident.NodeID()).Hex())
	fmt.Printf("Identity file: %s\n", path)
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
