package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/vladtop46/webproxy/internal/config"
	"github.com/vladtop46/webproxy/internal/logging"
	"github.com/vladtop46/webproxy/internal/proxy"
)

// overrides are command-line values that replace file settings. Zero
// values leave the file setting alone.
type overrides struct {
	logsDir            string
	upstream           string
	dialTimeout        time.Duration
	negotiationTimeout time.Duration
}

func (o overrides) apply(cfg *config.Config) {
	if o.logsDir != "" {
		cfg.Server.LogsDirectory = o.logsDir
	}
	if o.upstream != "" {
		cfg.Server.Upstream = o.upstream
	}
	if o.dialTimeout > 0 {
		cfg.Timeouts.Dial = o.dialTimeout
	}
	if o.negotiationTimeout > 0 {
		cfg.Timeouts.Negotiation = o.negotiationTimeout
	}
}

type configLoader struct {
	path      string
	overrides overrides
}

// load reads the configuration file and applies overrides. At startup a
// missing file falls back to defaults; on reload it is an error.
func (l *configLoader) load(startup bool) (*config.Config, error) {
	cfg, err := config.Load(l.path)
	if err != nil {
		if !startup || !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		log.Printf("config %s not found, using defaults", l.path)
		cfg = config.Default()
	}
	l.overrides.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}
	return cfg, nil
}

// reloader replaces the published configuration. A configuration that
// fails to load or validate leaves the previous one in place.
type reloader struct {
	mu     sync.Mutex
	loader *configLoader
	store  *config.Store
	srv    *proxy.Server
	logger *logging.Logger
}

func (r *reloader) reload(trigger string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.loader.load(false)
	if err != nil {
		log.Printf("reload (%s): keeping previous configuration: %v", trigger, err)
		return err
	}

	old := r.store.Load()
	if config.Equal(old, cfg) {
		log.Printf("reload (%s): configuration unchanged", trigger)
		return nil
	}

	if err := r.srv.Prepare(cfg); err != nil {
		log.Printf("reload (%s): keeping previous configuration: %v", trigger, err)
		return err
	}

	if old.Server.Port != cfg.Server.Port {
		log.Printf("reload (%s): server.port changed from %d to %d; restart to listen on the new port", trigger, old.Server.Port, cfg.Server.Port)
	}
	if old.Server.LogsDirectory != cfg.Server.LogsDirectory {
		if err := r.logger.SetDirectory(cfg.Server.LogsDirectory); err != nil {
			log.Printf("reload (%s): logs directory: %v", trigger, err)
		}
	}

	r.store.Swap(cfg)
	log.Printf("reload (%s): configuration applied", trigger)
	r.logger.Log("Configuration reloaded")
	return nil
}
