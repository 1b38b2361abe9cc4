//go:build !windows

/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2023 HashiCorp Inc.
 */

// Command tunnelguard runs a tunnel engine on a kernel TUN device and
// exposes the control protocol on the WireGuard UAPI socket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/ipc"
	"golang.zx2c4.com/wireguard/tun"

	tunnelguard "github.com/hashicorp/go-tunnelguard"
)

var errEngineStopped = errors.New("engine stopped")

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to an [Interface]/[Peer] configuration file")
		ifname      = flag.String("interface", "tg0", "TUN interface name")
		mode        = flag.String("mode", "client", "client or server")
		logLevel    = flag.String("log-level", "info", "trace, debug, info, warn or error")
		metricsAddr = flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
		dropPolicy  = flag.String("drop-policy", "oldest", "packet a full queue discards: oldest or newest")
		genkey      = flag.Bool("genkey", false, "print a new private key and its public key, then exit")
	)
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "tunnelguard",
		Level: hclog.LevelFromString(*logLevel),
	})

	if *genkey {
		sk, err := tunnelguard.NewPrivateKey()
		if err != nil {
			logger.Error("failed to generate key", "error", err)
			return 1
		}
		fmt.Printf("PrivateKey = %s\nPublicKey = %s\n", sk.Base64(), sk.PublicKey())
		return 0
	}

	var role tunnelguard.Role
	switch *mode {
	case "client":
		role = tunnelguard.RoleInitiator
	case "server":
		role = tunnelguard.RoleResponder
	default:
		logger.Error("unknown mode", "mode", *mode)
		return 2
	}

	policy, err := tunnelguard.ParseDropPolicy(*dropPolicy)
	if err != nil {
		logger.Error("invalid -drop-policy", "error", err)
		return 2
	}

	if *configPath == "" {
		logger.Error("-config is required")
		return 2
	}
	cfg, err := tunnelguard.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "error", err)
		return 1
	}
	if err := cfg.Validate(role); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = tunnelguard.DefaultMTU
	}
	tdev, err := tun.CreateTUN(*ifname, mtu)
	if err != nil {
		logger.Error("failed to create TUN device", "interface", *ifname, "error", err)
		return 1
	}
	realName, err := tdev.Name()
	if err != nil {
		realName = *ifname
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := tunnelguard.NewEngine(tunnelguard.Options{
		Logger:     logger,
		Bind:       conn.NewDefaultBind(),
		TUN:        tdev,
		Registerer: registry,
		DropPolicy: policy,
	})
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		tdev.Close()
		return 1
	}
	defer engine.Close()

	uapiFile, err := ipc.UAPIOpen(realName)
	if err != nil {
		logger.Error("failed to open UAPI socket", "error", err)
		return 1
	}
	uapi, err := ipc.UAPIListen(realName, uapiFile)
	if err != nil {
		logger.Error("failed to listen on UAPI socket", "error", err)
		return 1
	}
	control := tunnelguard.NewControlServer(engine, logger)

	if role == tunnelguard.RoleInitiator {
		err = engine.Connect(cfg)
	} else {
		err = engine.Serve(cfg)
	}
	if err != nil {
		logger.Error("failed to start", "mode", *mode, "error", err)
		control.Close()
		uapi.Close()
		return 1
	}
	logger.Info("running", "interface", realName, "mode", *mode, "public_key", engine.PublicKey())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return control.Serve(uapi)
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		var err error
		select {
		case <-ctx.Done():
		case <-engine.Wait():
			err = errEngineStopped
		}
		logger.Info("shutting down")
		control.Close()
		engine.Close()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errEngineStopped) {
		logger.Error("exited with error", "error", err)
		return 1
	}
	return 0
}
