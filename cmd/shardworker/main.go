// Command shardworker runs one replica of a shardkv replication group: it
// stores the key-value pairs for the shards its group owns, forwards writes
// to its backup, heartbeats its shard manager to learn its role, and
// migrates keys away whenever the shardmaster reassigns their shard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/shardkv/internal/config"
	"github.com/dreamware/shardkv/internal/managerapi"
	"github.com/dreamware/shardkv/internal/shardworker"
	"github.com/dreamware/shardkv/internal/supervisor"
	"github.com/dreamware/shardkv/internal/telemetry"
	"github.com/dreamware/shardkv/internal/wire"
	"github.com/dreamware/shardkv/internal/workerapi"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shardworker: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardworker",
	Short: "Key-value replica for one shardkv replication group",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("addr", ":9200", "bind address, also this worker's identity in its group's view")
	rootCmd.Flags().String("manager-addr", ":9100", "address of this group's shard manager")
	rootCmd.Flags().String("config", "", "optional YAML config file overriding the flags above")
	rootCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().Duration("ping-interval", 100*time.Millisecond, "how often to heartbeat the shard manager")
	rootCmd.Flags().Duration("reconcile-interval", 100*time.Millisecond, "how often to query the shardmaster and migrate keys")
}

func run(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	managerAddr, _ := cmd.Flags().GetString("manager-addr")
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	pingInterval, _ := cmd.Flags().GetDuration("ping-interval")
	reconcileInterval, _ := cmd.Flags().GetDuration("reconcile-interval")

	var fileCfg config.ShardWorkerFile
	if err := config.Load(configPath, &fileCfg); err != nil {
		return err
	}
	if fileCfg.Addr != "" {
		addr = fileCfg.Addr
	}
	if fileCfg.ShardManagerAddr != "" {
		managerAddr = fileCfg.ShardManagerAddr
	}

	telemetry.InitLogging(telemetry.LogConfig{Level: telemetry.Level(logLevel), Pretty: true})
	log := telemetry.WithComponent("shardworker")
	telemetry.RegisterWorkerMetrics()

	worker := shardworker.New(addr, managerAddr, managerapi.NewClient(managerAddr), nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ping := supervisor.NewTask("shardmanager-ping", pingInterval, worker.PingShardmanager)
	reconcile := supervisor.NewTask("shardmaster-reconcile", reconcileInterval, worker.QueryShardmaster)
	go ping.Run(ctx)
	go reconcile.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/get", handleGet(worker))
	mux.HandleFunc("/put", handlePut(worker))
	mux.HandleFunc("/append", handleAppend(worker))
	mux.HandleFunc("/delete", handleDelete(worker))
	mux.HandleFunc("/dump", handleDump(worker))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", telemetry.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("manager", managerAddr).Msg("shardworker listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("shardworker stopped")
	return nil
}

func handleGet(worker *shardworker.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerapi.GetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		value, err := worker.Get(req.Key)
		if err != nil {
			countOp("get", "error")
			writeErr(w, err)
			return
		}
		countOp("get", "ok")
		wire.WriteResult(w, workerapi.GetResponse{Data: value})
	}
}

func handlePut(worker *shardworker.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerapi.PutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := worker.Put(r.Context(), req); err != nil {
			countOp("put", "error")
			writeErr(w, err)
			return
		}
		countOp("put", "ok")
		telemetry.WorkerKeysGauge.Set(float64(worker.KeyCount()))
		wire.WriteResult(w, struct{}{})
	}
}

func handleAppend(worker *shardworker.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerapi.AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := worker.Append(r.Context(), req); err != nil {
			countOp("append", "error")
			writeErr(w, err)
			return
		}
		countOp("append", "ok")
		wire.WriteResult(w, struct{}{})
	}
}

func handleDelete(worker *shardworker.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerapi.DeleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := worker.Delete(req.Key); err != nil {
			countOp("delete", "error")
			writeErr(w, err)
			return
		}
		countOp("delete", "ok")
		telemetry.WorkerKeysGauge.Set(float64(worker.KeyCount()))
		wire.WriteResult(w, struct{}{})
	}
}

func handleDump(worker *shardworker.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		wire.WriteResult(w, workerapi.DumpResponse{Database: worker.Dump()})
	}
}

func countOp(op, result string) {
	telemetry.WorkerOpsTotal.WithLabelValues(op, result).Inc()
}

func writeErr(w http.ResponseWriter, err error) {
	if wireErr, ok := err.(*wire.Error); ok {
		wire.WriteError(w, wireErr)
		return
	}
	wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
}
