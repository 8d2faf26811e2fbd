package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/whisper-tun/whisper/internal/client"
	"github.com/whisper-tun/whisper/internal/config"
	"github.com/whisper-tun/whisper/internal/metrics"
	"github.com/whisper-tun/whisper/internal/tunnel"
)

var version string

const defaultConfigPath = "whisper.json"

func main() {
	var configPath string
	var relayURL string
	var tunName string
	var adminAddr string

	verbosity := flag.String("verbosity", "info", "verbosity level")
	flag.StringVar(&configPath, "c", defaultConfigPath, "config: path to the configuration file or options separated with semicolons")
	flag.StringVar(&relayURL, "r", "", "relay: ws://, wss://, pty:///dev/pts/N or exec:")
	flag.StringVar(&tunName, "t", "", "tun: name of the TUN interface to create")
	flag.StringVar(&adminAddr, "a", "", "admin: address to serve /metrics, /status and /streams on")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	flag.Parse()

	if *askVersion {
		fmt.Printf("whisper %s\n", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	rawConfig := new(config.RawConfig)
	configFile := ""
	if _, err := os.Stat(configPath); err == nil || set["c"] {
		var err error
		rawConfig, err = config.ParseConfig(configPath)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := os.Stat(configPath); err == nil {
			configFile = configPath
		}
	}

	// commandline argument takes precedence over the config file
	if set["r"] {
		rawConfig.RelayURL = relayURL
	}
	if set["t"] {
		rawConfig.TunName = tunName
	}
	if set["a"] {
		rawConfig.AdminAddr = adminAddr
	}
	if set["verbosity"] || rawConfig.LogLevel == "" {
		rawConfig.LogLevel = *verbosity
	}

	cfg, err := rawConfig.Process()
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configFile != "" && !set["verbosity"] {
		watcher, err := config.Watch(configFile, config.ApplyLogLevel)
		if err != nil {
			log.Warnf("not watching %v: %v", configFile, err)
		} else {
			defer watcher.Close()
		}
	}

	if err := run(ctx, cfg); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	connector := &client.Connector{Transport: cfg.Transport, Session: cfg.Session}
	sesh, err := connector.MakeSession(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer sesh.Close()

	stacks, packets, err := tunnel.NewStacks(cfg.Tunnel)
	if err != nil {
		return err
	}
	fwd := tunnel.NewForwarder(sesh, cfg.Tunnel.StreamTimeout)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stackErrs := make(chan error, len(stacks))
	for _, s := range stacks {
		go func(s tunnel.Stack) {
			stackErrs <- fwd.Serve(ctx, s)
		}(s)
	}

	if cfg.AdminAddr != "" {
		src := metrics.Sources{Session: sesh, Forwarder: fwd}
		if packets != nil {
			src.Packets = packets
		}
		go func() {
			if err := metrics.ListenAndServe(ctx, cfg.AdminAddr, metrics.APIRouterOf(src)); err != nil {
				log.Errorf("admin api: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case <-sesh.Done():
		return fmt.Errorf("session ended: %w", sesh.Err())
	case err := <-stackErrs:
		if err == nil {
			err = errors.New("stack closed")
		}
		return err
	}
}
