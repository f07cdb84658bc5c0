package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/AkshathPatkar/pinot/internal/config"
	"github.com/AkshathPatkar/pinot/internal/logging"
	"github.com/AkshathPatkar/pinot/internal/server"
)

func main() {
	cfgPath := flag.String("config", "pinot.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}

	tlsCfg, err := serverTLS(cfg.Server.TLS)
	if err != nil {
		logger.WithError(err).Fatal("server tls")
	}

	exec := server.NewInMemoryExecutor(cfg.Server.Delay)
	for _, tbl := range cfg.Server.Tables {
		exec.AddTable(tbl.Name, tbl.Columns, tbl.Rows)
	}
	srv := server.NewServer(server.Config{
		Network:     "tcp",
		Address:     cfg.Server.Address,
		Name:        cfg.Server.Name,
		MaxInflight: cfg.Server.MaxInflight,
		TLSConfig:   tlsCfg,
		Logger:      logger,
	}, exec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("address", cfg.Server.Address).WithField("tables", len(cfg.Server.Tables)).Info("serving")
	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("server stopped")
	}
}

func serverTLS(c config.ServerTLS) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if c.ClientCAFile != "" {
		pemBytes, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("client ca %s: no certificates", c.ClientCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}
