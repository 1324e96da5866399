// Command shardmanager runs the view service for one replication group: it
// tracks which worker is primary and which is backup, advances views on
// heartbeat timeout, and proxies client Get/Put/Append/Delete calls to the
// current primary.
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
	"github.com/dreamware/shardkv/internal/shardmanager"
	"github.com/dreamware/shardkv/internal/supervisor"
	"github.com/dreamware/shardkv/internal/telemetry"
	"github.com/dreamware/shardkv/internal/wire"
	"github.com/dreamware/shardkv/internal/workerapi"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shardmanager: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardmanager",
	Short: "Primary/backup view service for one shardkv replication group",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("addr", ":9100", "bind address")
	rootCmd.Flags().String("shardmaster-addr", ":9000", "address of the cluster shardmaster")
	rootCmd.Flags().String("config", "", "optional YAML config file overriding the flags above")
	rootCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().Duration("heartbeat-check-interval", 1*time.Second, "how often to look for a dead primary or backup")
}

func run(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	shardmasterAddr, _ := cmd.Flags().GetString("shardmaster-addr")
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	checkInterval, _ := cmd.Flags().GetDuration("heartbeat-check-interval")

	var fileCfg config.ShardManagerFile
	if err := config.Load(configPath, &fileCfg); err != nil {
		return err
	}
	if fileCfg.Addr != "" {
		addr = fileCfg.Addr
	}
	if fileCfg.ShardmasterAddr != "" {
		shardmasterAddr = fileCfg.ShardmasterAddr
	}

	telemetry.InitLogging(telemetry.LogConfig{Level: telemetry.Level(logLevel), Pretty: true})
	log := telemetry.WithComponent("shardmanager")
	telemetry.RegisterManagerMetrics()

	manager := shardmanager.New(shardmasterAddr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	heartbeat := supervisor.NewTask("heartbeat-checker", checkInterval, func(context.Context) {
		manager.CheckHeartbeats(time.Now())
		current, acknowledged, age := manager.Status(time.Now())
		telemetry.ManagerViewNumber.Set(float64(current))
		telemetry.ManagerAcknowledged.Set(float64(acknowledged))
		telemetry.ManagerPrimaryPingAge.Set(age.Seconds())
	})
	go heartbeat.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", handlePing(manager))
	mux.HandleFunc("/get", handleGet(manager))
	mux.HandleFunc("/put", handlePut(manager))
	mux.HandleFunc("/append", handleAppend(manager))
	mux.HandleFunc("/delete", handleDelete(manager))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", telemetry.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("shardmaster", shardmasterAddr).Msg("shardmanager listening")
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
	log.Info().Msg("shardmanager stopped")
	return nil
}

func handlePing(manager *shardmanager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req managerapi.PingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		resp := manager.Ping(req.Server, req.ViewNumber)
		telemetry.ManagerViewNumber.Set(float64(resp.ViewNumber))
		wire.WriteResult(w, resp)
	}
}

func handleGet(manager *shardmanager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerapi.GetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		resp, err := manager.Get(r.Context(), req.Key)
		if err != nil {
			writeErr(w, err)
			return
		}
		wire.WriteResult(w, resp)
	}
}

func handlePut(manager *shardmanager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerapi.PutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := manager.Put(r.Context(), req); err != nil {
			writeErr(w, err)
			return
		}
		wire.WriteResult(w, struct{}{})
	}
}

func handleAppend(manager *shardmanager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerapi.AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := manager.Append(r.Context(), req); err != nil {
			writeErr(w, err)
			return
		}
		wire.WriteResult(w, struct{}{})
	}
}

func handleDelete(manager *shardmanager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req workerapi.DeleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := manager.Delete(r.Context(), req.Key); err != nil {
			writeErr(w, err)
			return
		}
		wire.WriteResult(w, struct{}{})
	}
}

func writeErr(w http.ResponseWriter, err error) {
	if wireErr, ok := err.(*wire.Error); ok {
		wire.WriteError(w, wireErr)
		return
	}
	wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
}
