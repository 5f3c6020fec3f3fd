package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/y804508275/happy-sub000/internal/client/api"
	clientws "github.com/y804508275/happy-sub000/internal/client/websocket"
	"github.com/y804508275/happy-sub000/internal/crypto"
	"github.com/y804508275/happy-sub000/internal/wire"
)

const keepAliveInterval = 20 * time.Second

// credentials is the daemon's persisted identity: the account keypair and
// the machine data key. Stored with 0600 in the data dir.
type credentials struct {
	PublicKey  string `json:"publicKey"`
	SecretKey  string `json:"secretKey"`
	MachineKey string `json:"machineKey"`
}

func main() {
	serverURL := flag.String("server", "http://localhost:3005", "server base URL")
	dataDir := flag.String("data-dir", defaultDataDir(), "directory for daemon state")
	machineID := flag.String("machine-id", "", "machine id (defaults to hostname)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if *debug {
		log = log.Level(zerolog.DebugLevel)
	}

	if err := run(*serverURL, *dataDir, *machineID, log); err != nil {
		log.Fatal().Err(err).Msg("daemon failed")
	}
}

func run(serverURL, dataDir, machineID string, log zerolog.Logger) error {
	if machineID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		machineID = hostname
	}

	creds, err := loadOrCreateCredentials(dataDir)
	if err != nil {
		return err
	}
	publicKey, privateKey, machineKey, err := creds.decode()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := api.New(serverURL)
	accountID, err := client.Authenticate(ctx, publicKey, privateKey)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	log.Info().Str("account_id", accountID).Str("machine_id", machineID).Msg("authenticated")

	metadata, err := json.Marshal(map[string]string{
		"host":     machineID,
		"platform": runtime.GOOS,
		"arch":     runtime.GOARCH,
	})
	if err != nil {
		return fmt.Errorf("encode machine metadata: %w", err)
	}
	cipher, err := crypto.EncryptWithDataKey(metadata, machineKey)
	if err != nil {
		return fmt.Errorf("encrypt machine metadata: %w", err)
	}
	keyB64 := base64.StdEncoding.EncodeToString(machineKey)
	machine, err := client.RegisterMachine(ctx, api.RegisterMachineRequest{
		ID:                machineID,
		Metadata:          cipher,
		DataEncryptionKey: &keyB64,
	})
	if err != nil {
		return fmt.Errorf("register machine: %w", err)
	}
	log.Info().Str("machine_id", machine.ID).Msg("machine registered")

	socket := clientws.New(clientws.Options{
		URL:       websocketURL(serverURL),
		Token:     client.Token(),
		Scope:     wire.ScopeMachine,
		MachineID: machineID,
		Log:       log,
	})
	defer socket.Close()

	rpc := clientws.NewRPCManager(socket)
	rpc.Register("ping", func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"ok": true, "time": time.Now().UnixMilli()})
	})
	rpc.Register("status", func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]any{
			"machineId": machineID,
			"platform":  runtime.GOOS,
			"uptime":    time.Since(startTime).Seconds(),
		})
	})

	if err := socket.Connect(ctx); err != nil {
		return fmt.Errorf("connect websocket: %w", err)
	}

	alive := func() {
		err := socket.Emit("machine-alive", wire.MachineAliveEvent{
			MachineID: machineID,
			Time:      time.Now().UnixMilli(),
		})
		if err != nil {
			log.Debug().Err(err).Msg("keep-alive not sent")
		}
	}
	unsubscribe := socket.OnReconnected(alive)
	defer unsubscribe()
	alive()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			alive()
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		}
	}
}

var startTime = time.Now()

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".happy"
	}
	return filepath.Join(home, ".happy")
}

// loadOrCreateCredentials reads the daemon identity, generating a fresh
// keypair and machine data key on first run.
func loadOrCreateCredentials(dataDir string) (*credentials, error) {
	path := filepath.Join(dataDir, "credentials.json")

	data, err := os.ReadFile(path)
	if err == nil {
		var creds credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("parse credentials %s: %w", path, err)
		}
		return &creds, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	machineKey, err := crypto.NewDataKey()
	if err != nil {
		return nil, err
	}

	creds := &credentials{
		PublicKey:  base64.StdEncoding.EncodeToString(publicKey),
		SecretKey:  base64.StdEncoding.EncodeToString(privateKey),
		MachineKey: base64.StdEncoding.EncodeToString(machineKey),
	}
	out, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("write credentials: %w", err)
	}
	return creds, nil
}

func (c *credentials) decode() (ed25519.PublicKey, ed25519.PrivateKey, []byte, error) {
	publicKey, err := base64.StdEncoding.DecodeString(c.PublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return nil, nil, nil, fmt.Errorf("invalid stored public key")
	}
	privateKey, err := base64.StdEncoding.DecodeString(c.SecretKey)
	if err != nil || len(privateKey) != ed25519.PrivateKeySize {
		return nil, nil, nil, fmt.Errorf("invalid stored secret key")
	}
	machineKey, err := base64.StdEncoding.DecodeString(c.MachineKey)
	if err != nil || len(machineKey) != crypto.DataKeySize {
		return nil, nil, nil, fmt.Errorf("invalid stored machine key")
	}
	return publicKey, privateKey, machineKey, nil
}

// websocketURL converts the HTTP base URL to the websocket endpoint.
func websocketURL(serverURL string) string {
	url := strings.TrimSuffix(serverURL, "/")
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url + "/v1/updates"
}
