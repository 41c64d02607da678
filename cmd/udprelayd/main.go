package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/ehrlich-b/udprelayd"
	"github.com/ehrlich-b/udprelayd/internal/configfile"
	"github.com/ehrlich-b/udprelayd/internal/daemonize"
	"github.com/ehrlich-b/udprelayd/internal/logging"
)

func main() {
	var (
		detach     = flag.Bool("d", false, "detach into the background")
		detachLong = flag.Bool("detach", false, "detach into the background")
		pidFile    = flag.String("p", "", "write the daemon PID to this file")
		pidFileL   = flag.String("pidfile", "", "write the daemon PID to this file")
		verbose    = flag.Bool("v", false, "verbose logging")
		metricsAddr = flag.String("metrics-addr", "", "HOST:PORT to expose Prometheus metrics on (disabled if empty)")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: udprelayd [-d|--detach] [-p|--pidfile PATH] CONFIG")
		os.Exit(1)
	}
	configPath := flag.Arg(0)

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	f, err := os.Open(configPath)
	if err != nil {
		logger.Errorf("open config %s: %v", configPath, err)
		os.Exit(1)
	}
	cfg, err := configfile.Parse(f)
	f.Close()
	if err != nil {
		logger.Errorf("parse config: %v", err)
		os.Exit(1)
	}

	wantDetach := *detach || *detachLong
	pidPath := pickFirst(*pidFile, *pidFileL)

	if wantDetach {
		if err := daemonize.Detach(); err != nil {
			logger.Errorf("detach: %v", err)
			os.Exit(1)
		}
	}
	if pidPath != "" {
		if err := daemonize.WritePIDFile(pidPath, os.Getpid()); err != nil {
			logger.Errorf("write pid file: %v", err)
			os.Exit(1)
		}
	}

	var observer relay.Observer
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		observer = relay.NewPrometheusObserver(reg)
		go serveMetrics(*metricsAddr, reg, logger)
	}

	r, err := relay.New(cfg, &relay.Options{Logger: logger, Observer: observer})
	if err != nil {
		logger.Errorf("build relay: %v", err)
		os.Exit(1)
	}

	var stopRequested atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		stopRequested.Store(true)
		if err := r.Wake(); err != nil {
			logger.Errorf("wake event loop: %v", err)
		}
	}()

	logger.Infof("udprelayd starting: %d relay(s)", r.RelayCount())

	runErr := r.Serve(stopRequested.Load)

	cleanupDone := make(chan struct{})
	go func() {
		r.Shutdown()
		close(cleanupDone)
	}()
	select {
	case <-cleanupDone:
	case <-time.After(time.Second):
		logger.Warnf("shutdown cleanup timed out")
	}

	if runErr != nil {
		logger.Errorf("event loop exited: %v", runErr)
		os.Exit(1)
	}
	os.Exit(0)
}

func pickFirst(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Infof("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("metrics server: %v", err)
	}
}
