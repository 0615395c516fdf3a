// Command lb runs the consistent-hashing load balancer.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ringlb/internal/api"
	"ringlb/internal/config"
	"ringlb/internal/health"
	"ringlb/internal/journal"
	"ringlb/internal/membership"
	"ringlb/internal/provision"
	"ringlb/internal/ring"
	"ringlb/internal/router"
	"ringlb/internal/transport"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("[lb] Invalid configuration: %v", err)
	}

	r, err := ring.NewRing(cfg.Slots, cfg.VNodes)
	if err != nil {
		log.Fatalf("[lb] Failed to create ring: %v", err)
	}

	var prov provision.Provisioner
	var procs *provision.ProcessProvisioner
	if cfg.Static() {
		static := provision.NewStaticProvisioner(nil)
		for _, sr := range cfg.StaticReplicas {
			static.Register(sr.Hostname, sr.Addr, "")
		}
		prov = static
		log.Printf("[lb] Using %d static replicas", len(cfg.StaticReplicas))
	} else {
		procs = provision.NewProcessProvisioner(provision.ProcessConfig{
			BinaryPath: cfg.ReplicaBinary,
			BasePort:   cfg.ReplicaBasePort,
			PortCount:  cfg.ReplicaPorts,
			GRPC:       cfg.Probe == config.ProbeGRPC,
			LogDir:     cfg.ReplicaLogDir,
		})
		prov = procs
	}

	opts := []membership.Option{membership.WithEnv(cfg.ReplicaEnv)}
	var apiOpts []api.Option
	var jrnl *journal.Journal
	if cfg.JournalDir != "" {
		jrnl, err = journal.Open(cfg.JournalDir)
		if err != nil {
			log.Fatalf("[lb] Failed to open journal: %v", err)
		}
		opts = append(opts, membership.WithJournal(jrnl))
		apiOpts = append(apiOpts, api.WithJournal(jrnl))
	}

	members, err := membership.NewManager(r, prov, opts...)
	if err != nil {
		log.Fatalf("[lb] Failed to create membership manager: %v", err)
	}

	ctx := context.Background()
	n, hostnames := cfg.BootReplicas()
	if err := members.Bootstrap(ctx, n, hostnames); err != nil {
		log.Printf("[lb] %v", err)
	}

	conns := transport.NewConnPool()
	var prober health.Prober = health.NewHTTPProber()
	if cfg.Probe == config.ProbeGRPC {
		prober = health.NewGRPCProber(conns)
	}
	detector := health.NewDetector(members, prober, health.Config{
		Interval:  cfg.ProbeInterval,
		Timeout:   cfg.ProbeTimeout,
		MaxMissed: cfg.MaxMissed,
	})
	detector.Start()

	rt := router.New(r, members, transport.NewHTTPGateway(cfg.ForwardTimeout))
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(r, members, rt, detector, apiOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[lb] Listening on %s (slots=%d vnodes=%d probe=%s)", cfg.ListenAddr, cfg.Slots, cfg.VNodes, cfg.Probe)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[lb] HTTP server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("[lb] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[lb] HTTP shutdown: %v", err)
	}
	detector.Stop()
	if procs != nil {
		procs.StopAll(shutdownCtx)
	}
	conns.Close()
	if jrnl != nil {
		if err := jrnl.Close(); err != nil {
			log.Printf("[lb] Journal close: %v", err)
		}
	}
}
