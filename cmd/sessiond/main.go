// Command sessiond runs the BGP-4 session engine: it loads an initial peer
// configuration, binds its listeners, and drives the poll loop until
// terminated (§4.7, §6).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/nextbgpd/sessiond/internal/config"
	"github.com/nextbgpd/sessiond/internal/ctrlsock"
	"github.com/nextbgpd/sessiond/internal/engine"
	"github.com/nextbgpd/sessiond/internal/listen"
)

var (
	optConfig         = flag.String("config", "", "path to the initial JSON configuration")
	optListen         = flag.String("listen", "0.0.0.0:179", "comma-separated listen addr:port pairs")
	optCtrlFull       = flag.String("ctrlsock", "/var/run/sessiond.sock", "full-access control socket path")
	optCtrlRestricted = flag.String("ctrlsock-restricted", "/var/run/sessiond.rsock", "restricted control socket path")
	optMRT            = flag.String("mrt", "", "MRT dump file path; empty disables dumping")
	optParentFD       = flag.Int("parent-fd", -1, "inherited fd of the parent-supervisor IPC pipe, -1 if none")
	optRDEFD          = flag.Int("rde-fd", -1, "inherited fd of the RDE IPC pipe, -1 if none")
	optLogLevel       = flag.String("log-level", "info", "zerolog level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	logger := newLogger(*optLogLevel)

	if *optConfig == "" {
		logger.Fatal().Msg("sessiond: -config is required")
	}

	raw, err := loadConfigFile(*optConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("sessiond: reading config")
	}

	e := engine.New(&logger)
	if err := bootstrap(e, raw); err != nil {
		logger.Fatal().Err(err).Msg("sessiond: bootstrap")
	}

	if *optParentFD >= 0 {
		e.SetParent(*optParentFD)
	}
	if *optRDEFD >= 0 {
		e.SetRDE(*optRDEFD)
	}
	if *optMRT != "" {
		if err := e.OpenMRT(*optMRT); err != nil {
			logger.Error().Err(err).Str("path", *optMRT).Msg("sessiond: MRT dump disabled")
		}
	}

	for _, hostport := range strings.Split(*optListen, ",") {
		hostport = strings.TrimSpace(hostport)
		if hostport == "" {
			continue
		}
		addr, port, err := listen.ParseHostPort(hostport)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", hostport).Msg("sessiond: bad -listen entry")
		}
		fd, err := listen.TCP(addr, port)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", hostport).Msg("sessiond: listen failed")
		}
		e.AddListener(addr, port, fd)
	}

	ctrl, err := ctrlsock.Listen(*optCtrlFull, *optCtrlRestricted, e.Stats(), nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("sessiond: control socket bind failed")
	}
	e.SetCtrlSock(ctrl)
	defer ctrl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP, syscall.SIGALRM, syscall.SIGUSR1)
	go func() {
		<-sig
		logger.Info().Msg("sessiond: shutting down")
		cancel()
	}()

	if err := e.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("sessiond: event loop exited")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

func loadConfigFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("sessiond: parsing %s: %w", path, err)
	}
	return raw, nil
}

// bootstrap decodes a full initial-config document (global settings plus a
// "peers" array, each keyed by its own "id") into the engine's live peer
// set, reusing the same shadow-config decode path a later reconfiguration
// runs over IPC (§6): a cold start is just the degenerate case of a
// reconfiguration with an empty previous live set.
func bootstrap(e *engine.Engine, raw map[string]interface{}) error {
	shadow := config.NewShadow()
	global, _ := raw["global"].(map[string]interface{})
	if err := shadow.SetGlobal(global); err != nil {
		return err
	}

	peers, _ := raw["peers"].([]interface{})
	for _, entry := range peers {
		pm, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		id := uint32(toFloat(pm["id"]))
		if id == 0 {
			return fmt.Errorf("sessiond: peer entry missing numeric id")
		}
		if err := shadow.AddPeer(id, pm); err != nil {
			return err
		}
	}

	for _, cfg := range shadow.Peers {
		e.AddPeer(cfg)
	}
	e.Global = shadow.Global
	return nil
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}
