package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sukikrishna/Distributed-Chat-Application-sub000/cluster"
)

const joinRetries = 5

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to the node config file")
		joinAddr   = flag.String("join", "", "Address of an existing cluster member to join through")
		debug      = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	cfg, err := cluster.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	client := cluster.NewHTTPPeerClient(cfg.RPCTimeout())
	node, err := cluster.NewNode(cfg, client)
	if err != nil {
		logrus.WithError(err).Fatal("failed to create node")
	}

	handler := cluster.NewHTTPHandler(node)
	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)

	httpServer := &http.Server{
		Addr:    listenAddr(cfg.Node.Address),
		Handler: mux,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"node":    cfg.Node.ID,
			"address": cfg.Node.Address,
		}).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()

	if *joinAddr != "" {
		if err := joinWithRetry(node, *joinAddr); err != nil {
			logrus.WithError(err).Fatal("failed to join cluster")
		}
	}

	node.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logrus.Info("shutting down")
	node.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("http shutdown incomplete")
	}
}

// joinWithRetry keeps asking the seed for admission with exponential
// backoff, since the cluster may still be electing its first leader.
func joinWithRetry(node *cluster.Node, seed string) error {
	backoff := 500 * time.Millisecond
	var err error
	for attempt := 1; attempt <= joinRetries; attempt++ {
		if err = node.JoinCluster(seed); err == nil {
			return nil
		}
		logrus.WithError(err).WithField("attempt", attempt).Warn("join attempt failed")
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

// listenAddr strips any scheme and host from the advertised address so the
// server binds on all interfaces at the configured port.
func listenAddr(advertised string) string {
	hostPort := advertised
	if u, err := url.Parse(advertised); err == nil && u.Host != "" {
		hostPort = u.Host
	}
	_, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return hostPort
	}
	return ":" + port
}
