// Command shardmaster runs the shard-assignment authority: the single
// service that tracks which worker endpoint owns which range of the key
// space and rebalances that assignment as workers join, leave, or are
// moved explicitly.
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
	"github.com/dreamware/shardkv/internal/masterapi"
	"github.com/dreamware/shardkv/internal/shardmaster"
	"github.com/dreamware/shardkv/internal/telemetry"
	"github.com/dreamware/shardkv/internal/wire"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shardmaster: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shardmaster",
	Short: "Authoritative shard-assignment service for a shardkv cluster",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("addr", ":9000", "bind address")
	rootCmd.Flags().Uint32("min-key", 0, "lower bound of the managed key space (inclusive)")
	rootCmd.Flags().Uint32("max-key", 999, "upper bound of the managed key space (inclusive)")
	rootCmd.Flags().String("config", "", "optional YAML config file overriding the flags above")
	rootCmd.Flags().String("log-level", "info", "log level: debug, info, warn, error")
}

func run(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	minKey, _ := cmd.Flags().GetUint32("min-key")
	maxKey, _ := cmd.Flags().GetUint32("max-key")
	configPath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")

	var fileCfg config.ShardmasterFile
	if err := config.Load(configPath, &fileCfg); err != nil {
		return err
	}
	if fileCfg.Addr != "" {
		addr = fileCfg.Addr
	}
	if fileCfg.MaxKey != 0 {
		minKey, maxKey = fileCfg.MinKey, fileCfg.MaxKey
	}

	telemetry.InitLogging(telemetry.LogConfig{Level: telemetry.Level(logLevel), Pretty: true})
	log := telemetry.WithComponent("shardmaster")
	telemetry.RegisterMasterMetrics()

	master := shardmaster.New(minKey, maxKey)

	mux := http.NewServeMux()
	mux.HandleFunc("/join", handleJoin(master))
	mux.HandleFunc("/leave", handleLeave(master))
	mux.HandleFunc("/move", handleMove(master))
	mux.HandleFunc("/query", handleQuery(master))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", telemetry.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("shardmaster listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("shardmaster stopped")
	return nil
}

func handleJoin(master *shardmaster.Master) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req masterapi.JoinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := master.Join(req.Server); err != nil {
			writeErr(w, err)
			return
		}
		telemetry.MasterJoinTotal.Inc()
		telemetry.MasterServersGauge.Set(float64(len(master.Query().Config)))
		wire.WriteResult(w, struct{}{})
	}
}

func handleLeave(master *shardmaster.Master) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req masterapi.LeaveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := master.Leave(req.Servers); err != nil {
			writeErr(w, err)
			return
		}
		telemetry.MasterLeaveTotal.Inc()
		telemetry.MasterServersGauge.Set(float64(len(master.Query().Config)))
		wire.WriteResult(w, struct{}{})
	}
}

func handleMove(master *shardmaster.Master) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req masterapi.MoveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
			return
		}
		if err := master.Move(req.Server, req.Shard); err != nil {
			writeErr(w, err)
			return
		}
		telemetry.MasterMoveTotal.Inc()
		wire.WriteResult(w, struct{}{})
	}
}

func handleQuery(master *shardmaster.Master) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		wire.WriteResult(w, master.Query())
	}
}

func writeErr(w http.ResponseWriter, err error) {
	if wireErr, ok := err.(*wire.Error); ok {
		wire.WriteError(w, wireErr)
		return
	}
	wire.WriteError(w, wire.NewInvalidArgument(err.Error()))
}
