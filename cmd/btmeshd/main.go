package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/hhorai/btmesh/bearer"
	"github.com/hhorai/btmesh/driver"
	wireprov "github.com/hhorai/btmesh/pdu/provisioning"
	"github.com/hhorai/btmesh/storage"
)

// config is the JSON-driven node configuration, in the spirit of
// cmd/gnbsim.go's initConfig: one file names everything the process
// needs to come up as a single mesh node.
type config struct {
	UUID              uuid.UUID `json:"uuid"`
	StoragePath       string    `json:"storagePath"`
	SequenceThreshold uint32    `json:"sequenceThreshold"`
	DefaultTTL        byte      `json:"defaultTtl"`

	Capabilities struct {
		NumberOfElements byte   `json:"numberOfElements"`
		Algorithms       uint16 `json:"algorithms"`
		PublicKeyType    byte   `json:"publicKeyType"`
		StaticOobType    byte   `json:"staticOobType"`
		OutputOobSize    byte   `json:"outputOobSize"`
		OutputOobAction  uint16 `json:"outputOobAction"`
		InputOobSize     byte   `json:"inputOobSize"`
		InputOobAction   uint16 `json:"inputOobAction"`
	} `json:"capabilities"`

	// SCTPBearer, when set, dials the given address/port as the node's
	// "remote simulated bearer" transport in place of a real radio.
	SCTPBearer *struct {
		RemoteAddr string `json:"remoteAddr"`
		Port       int    `json:"port"`
	} `json:"sctpBearer"`

	// DiagTap, when set, brings up a loopback TUN device carrying the
	// UUID-derived link-local address from primaryUnicastIP, purely as an operator-visible
	// diagnostic aid; it carries no mesh traffic.
	DiagTap *struct {
		Name string `json:"name"`
	} `json:"diagTap"`
}

func loadConfig(path string) (*config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	var c config
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if c.StoragePath == "" {
		c.StoragePath = "btmeshd.json"
	}
	if c.SequenceThreshold == 0 {
		c.SequenceThreshold = 1000
	}
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 5
	}
	return &c, nil
}

func (c *config) capabilities() wireprov.Capabilities {
	return wireprov.Capabilities{
		NumberOfElements: c.Capabilities.NumberOfElements,
		Algorithms:       c.Capabilities.Algorithms,
		PublicKeyType:    c.Capabilities.PublicKeyType,
		StaticOobType:    c.Capabilities.StaticOobType,
		OutputOobSize:    c.Capabilities.OutputOobSize,
		OutputOobAction:  c.Capabilities.OutputOobAction,
		InputOobSize:     c.Capabilities.InputOobSize,
		InputOobAction:   c.Capabilities.InputOobAction,
	}
}

func main() {
	configPath := flag.String("config", "btmeshd.json", "path to the node's JSON config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("btmeshd: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, closeBearer, err := newBearer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bearer setup: %w", err)
	}
	if closeBearer != nil {
		defer closeBearer()
	}

	if cfg.DiagTap != nil {
		tap, err := newDiagTap(cfg.DiagTap.Name, primaryUnicastIP(cfg.UUID))
		if err != nil {
			log.Printf("diagnostic tap unavailable, continuing without it: %v", err)
		} else {
			defer func() {
				if err := tap.Close(); err != nil {
					log.Printf("tearing down diagnostic tap: %v", err)
				}
			}()
		}
	}

	store := storage.NewStore(cfg.StoragePath, cfg.SequenceThreshold)
	node, err := driver.New(cfg.UUID, cfg.capabilities(), cfg.DefaultTTL, b, store)
	if err != nil {
		return fmt.Errorf("driver.New: %w", err)
	}

	log.Printf("btmeshd starting, uuid=%s storage=%s", cfg.UUID, cfg.StoragePath)
	return node.Run(ctx)
}

// newBearer builds the node's bearer.AdvertisingBearer: the SCTP
// simulated-bearer transport if configured, otherwise the process
// exits with an error since btmeshd has no real radio driver of its
// own to fall back to.
func newBearer(ctx context.Context, cfg *config) (bearer.AdvertisingBearer, func(), error) {
	if cfg.SCTPBearer == nil {
		return nil, nil, fmt.Errorf("no bearer configured: set sctpBearer in the config file")
	}

	addr, err := net.ResolveIPAddr("ip", cfg.SCTPBearer.RemoteAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve sctpBearer.remoteAddr %q: %w", cfg.SCTPBearer.RemoteAddr, err)
	}

	b, err := dialSCTPBearer(ctx, *addr, cfg.SCTPBearer.Port)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { _ = b.Close() }, nil
}

// primaryUnicastIP derives a stable, harmless 169.254/16 link-local
// address from the node's UUID for diagnostic-tap labeling only; it
// has no relation to the mesh's own unicast address space and carries
// no mesh traffic.
func primaryUnicastIP(id uuid.UUID) net.IP {
	return net.IPv4(169, 254, id[14], id[15])
}
