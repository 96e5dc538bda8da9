// Package main implements the BlobDVM CLI.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blobdvm/blobdvm/internal/config"
	"github.com/blobdvm/blobdvm/internal/logging"
	"github.com/blobdvm/blobdvm/internal/metrics"
	"github.com/blobdvm/blobdvm/pkg/client"
	"github.com/blobdvm/blobdvm/pkg/relay"
	"github.com/blobdvm/blobdvm/pkg/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Build-time variables set by ldflags.
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

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
	case "serve":
		err = runServe(args)
	case "list-servers":
		err = runListServers(args)
	case "upload":
		err = runUpload(args)
	case "download":
		err = runDownload(args)
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "blobdvm: %v\n", err)
		os.Exit(1)
	}
}

// sharedBroker backs every subcommand's relay.Client in this binary. A
// production deployment plugs in a real relay-client implementation;
// this process-local in-memory broker only lets commands within a
// single `serve` invocation talk to each other for local
// smoke-testing, since BlobDVM ships no relay transport of its own.
var sharedBroker = relay.NewBroker()

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to server config YAML")
	pubkey := fs.String("pubkey", "blobdvm-server", "server identity pubkey")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.DefaultServerConfig()
	if *configPath != "" {
		loaded, err := config.LoadServerConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	log := logging.New("blobdvm-server", version, os.Stdout)
	reg := prometheus.NewRegistry()
	m := metrics.NewServer(reg)

	relayClient := relay.NewClient(sharedBroker)
	signer := relay.NewFakeSigner(*pubkey)

	srv := server.New(server.Config{
		Name:             cfg.Name,
		About:            cfg.About,
		Relays:           cfg.Relays,
		MaxFileSize:      cfg.MaxFileSize,
		RetentionHours:   cfg.RetentionHours,
		MaxStoredBytes:   cfg.MaxStoredBytes,
		SweepInterval:    time.Duration(cfg.SweepIntervalSeconds) * time.Second,
		PublishRateLimit: cfg.PublishRateLimit,
		PublishBurst:     cfg.PublishBurst,
		JobQueueCapacity: cfg.JobQueueCapacity,
		Workers:          cfg.Workers,
	}, relayClient, signer, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	log.Info().Str("pubkey", signer.PubKey()).Msg("serving, press ctrl-c to stop")

	<-ctx.Done()
	srv.Stop()
	return nil
}

func newClientForCLI(asPubkey string) *client.Client {
	cfg := config.DefaultClientConfig()
	log := logging.New("blobdvm-cli", version, os.Stdout)
	reg := prometheus.NewRegistry()
	m := metrics.NewClient(reg)

	relayClient := relay.NewClient(sharedBroker)
	signer := relay.NewFakeSigner(asPubkey)

	return client.New(client.Config{
		Relays:               cfg.Relays,
		ResponseTimeout:      time.Duration(cfg.ResponseTimeoutSeconds) * time.Second,
		ChunkTimeout:         time.Duration(cfg.ChunkTimeoutSeconds) * time.Second,
		ConcurrentChunkFetch: cfg.ConcurrentChunkFetch,
		DiscoveryLimit:       cfg.DiscoveryLimit,
	}, relayClient, signer, m, log)
}

func runListServers(args []string) error {
	fs := flag.NewFlagSet("list-servers", flag.ExitOnError)
	asPubkey := fs.String("as", "blobdvm-cli", "client identity pubkey")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := newClientForCLI(*asPubkey)
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	servers, err := c.DiscoverServers(ctx)
	if err != nil {
		return fmt.Errorf("discover servers: %w", err)
	}
	if len(servers) == 0 {
		fmt.Println("no servers found")
		return nil
	}
	for _, s := range servers {
		fmt.Printf("%s  name=%q max_file_size=%d retention_hours=%d\n",
			s.PubKey, s.Name, s.Params.MaxFileSize, s.Params.RetentionHours)
	}
	return nil
}

func runUpload(args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	asPubkey := fs.String("as", "blobdvm-cli", "client identity pubkey")
	serverPubkey := fs.String("server", "", "server pubkey to upload to")
	file := fs.String("file", "", "path to the file to upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serverPubkey == "" || *file == "" {
		return fmt.Errorf("both --server and --file are required")
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	c := newClientForCLI(*asPubkey)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	resp, err := c.Upload(ctx, *serverPubkey, data, filenameOf(*file))
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	asPubkey := fs.String("as", "blobdvm-cli", "client identity pubkey")
	serverPubkey := fs.String("server", "", "server pubkey to download from")
	hash := fs.String("hash", "", "content hash to retrieve")
	out := fs.String("out", "", "path to write the downloaded file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *serverPubkey == "" || *hash == "" || *out == "" {
		return fmt.Errorf("--server, --hash, and --out are all required")
	}

	c := newClientForCLI(*asPubkey)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	data, err := c.Download(ctx, *serverPubkey, *hash)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	fmt.Printf("wrote %d bytes to %s\n", len(data), *out)
	return nil
}

func filenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func printVersion() {
	fmt.Printf("blobdvm %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`blobdvm v%s - content-addressed blob storage over Nostr

Usage:
  blobdvm <command> [options]

Commands:
  serve          Run a BlobDVM server (announce, store, serve retrievals)
  list-servers   Discover BlobDVM servers on the configured relays
  upload         Upload a file to a server
  download       Download a file from a server by hash
  version        Show version information
  help           Show this help message

Examples:
  blobdvm serve --config server.yaml --pubkey my-server
  blobdvm list-servers --as my-client
  blobdvm upload --server my-server --file ./photo.png
  blobdvm download --server my-server --hash <64 hex chars> --out ./photo.png

`, version)
}
