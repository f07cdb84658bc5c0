package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/AkshathPatkar/pinot/internal/config"
	"github.com/AkshathPatkar/pinot/internal/domain"
	"github.com/AkshathPatkar/pinot/internal/logging"
	"github.com/AkshathPatkar/pinot/internal/metrics"
	"github.com/AkshathPatkar/pinot/internal/query"
	"github.com/AkshathPatkar/pinot/internal/transport"
)

func main() {
	cfgPath := flag.String("config", "pinot.yaml", "path to config file")
	sql := flag.String("query", "", "query to scatter to every configured server")
	table := flag.String("table", "", "raw table name the query targets")
	trace := flag.Bool("trace", false, "ask servers to trace execution")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	if *sql == "" || *table == "" {
		logger.Fatal("-query and -table are required")
	}
	if len(cfg.Broker.Servers) == 0 {
		logger.Fatal("broker.servers is empty")
	}

	if err := run(cfg, logger, query.Query{Table: *table, SQL: *sql, EnableTrace: *trace}); err != nil {
		logger.WithError(err).Error("query failed")
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *logrus.Logger, q query.Query) error {
	reg := prometheus.NewRegistry()
	brokerMetrics, err := metrics.NewBroker(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	metricsSrv := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics listener stopped")
		}
	}()
	defer metricsSrv.Close()

	router := query.NewRouter(query.RouterConfig{
		BrokerID:    cfg.Broker.ID,
		SendTimeout: cfg.Broker.SendTimeout,
		Logger:      logger,
	})
	channels := transport.NewServerChannels(transport.Config{
		TLS:            cfg.Broker.ClientTLS(),
		ConnectTimeout: cfg.Broker.ConnectTimeout,
		KeepAlive:      cfg.Broker.KeepAlive,
		Handler:        router,
		Metrics:        brokerMetrics,
		Logger:         logger,
	})
	router.Bind(channels)
	defer func() {
		channels.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := channels.AwaitTermination(ctx); err != nil {
			logger.WithError(err).Warn("connections did not terminate")
		}
	}()

	q.Timeout = cfg.Broker.QueryTimeout
	q.Segments = make(map[domain.ServerRoutingInstance][]string)
	for _, target := range cfg.Broker.Targets() {
		q.Segments[target] = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Broker.QueryTimeout)
	defer cancel()
	resp, err := router.Submit(ctx, q)
	if err != nil {
		return err
	}
	results, waitErr := resp.Await(ctx)
	logger.WithFields(logrus.Fields{
		"request_id": resp.RequestID(),
		"broker_id":  cfg.Broker.ID,
		"servers":    len(results),
	}).Info("query gathered")
	for _, res := range results {
		printResult(res)
	}
	return waitErr
}

func printResult(res query.ServerResult) {
	fmt.Printf("== %s (sent in %dms)\n", res.Server.ShortName(), res.SentLatencyMs)
	if res.Err != nil {
		fmt.Printf("   error: %v\n", res.Err)
		return
	}
	dt := res.Table
	for _, ex := range dt.Exceptions {
		fmt.Printf("   exception %d: %s\n", ex.ErrorCode, ex.Message)
	}
	if len(dt.ColumnNames) > 0 {
		fmt.Printf("   %s\n", strings.Join(dt.ColumnNames, "\t"))
	}
	for _, row := range dt.Rows {
		fmt.Printf("   %s\n", strings.Join(row.Values, "\t"))
	}
	fmt.Printf("   docs scanned=%d time=%dms\n", dt.NumDocsScanned, dt.TimeUsedMs)
}
