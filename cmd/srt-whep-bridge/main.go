package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/srt-whep/bridge/internal/httpapi"
	"github.com/srt-whep/bridge/internal/pipeline"
	"github.com/srt-whep/bridge/internal/registry"
	"github.com/srt-whep/bridge/internal/supervisor"
)

var (
	flagInputAddress      = flag.String("input-address", "", "SRT ingress address (host:port, required)")
	flagSRTMode           = flag.String("srt-mode", "caller", "SRT mode for the ingress connection (caller or listener)")
	flagRunDiscoverer     = flag.Bool("run-discoverer", false, "Probe the input stream before starting the pipeline")
	flagDiscovererTimeout = flag.Int("discoverer-timeout-sec", 10, "Stream probe timeout in seconds")
	flagOutputAddress     = flag.String("output-address", "127.0.0.1:8888", "SRT re-broadcast address (host:port)")
	flagPort              = flag.Int("port", 8000, "HTTP listen port")
)

func main() {
	flag.Parse()

	if *flagInputAddress == "" {
		log.Fatal("--input-address is required")
	}
	mode := pipeline.SRTMode(*flagSRTMode)
	if mode != pipeline.SRTModeCaller && mode != pipeline.SRTModeListener {
		log.Fatalf("--srt-mode must be caller or listener, got %q", *flagSRTMode)
	}

	args := pipeline.Args{
		InputAddress:         *flagInputAddress,
		SRTMode:              mode,
		OutputAddress:        *flagOutputAddress,
		HTTPHost:             "127.0.0.1",
		HTTPPort:             *flagPort,
		RunDiscoverer:        *flagRunDiscoverer,
		DiscovererTimeoutSec: *flagDiscovererTimeout,
	}

	reg := registry.New()
	ctrl := pipeline.NewGraphController()
	sup := supervisor.New(ctrl, reg, args)
	srv := httpapi.New(fmt.Sprintf(":%d", *flagPort), reg, ctrl)

	sup.Start()

	// A pipeline error is terminal: stop serving and exit non-zero.
	go func() {
		<-sup.Done()
		if err := sup.Err(); err != nil {
			log.Printf("pipeline failed: %v", err)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
			os.Exit(1)
		}
	}()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
		sup.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	sup.Shutdown()
}
