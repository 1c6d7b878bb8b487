// Command feaserver opens an FEA mainframe and serves it over REST and
// websocket.
//
// Usage:
//
//	feaserver [flags]
//
// Flags:
//
//	-config path        Configuration file (YAML)
//	-simulate           Use the in-process simulated mainframe
//	-hash-password pw   Print an argon2id hash for auth.users and exit
//	-gen-token          Print a new machine token and its hash and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/KevinKickass/OpenFEACore/internal/auth"
	_ "github.com/KevinKickass/OpenFEACore/internal/bus/sim"
	"github.com/KevinKickass/OpenFEACore/internal/config"
	"github.com/KevinKickass/OpenFEACore/internal/logging"
	"github.com/KevinKickass/OpenFEACore/internal/system"
	"go.uber.org/zap"
)

const simulatedAddress = "sim://fea"

func main() {
	var (
		configPath   string
		simulate     bool
		hashPassword string
		genToken     bool
	)
	flag.StringVar(&configPath, "config", "", "Configuration file path")
	flag.BoolVar(&simulate, "simulate", false, "Use the simulated mainframe instead of bus.address")
	flag.StringVar(&hashPassword, "hash-password", "", "Print an argon2id hash of the given password and exit")
	flag.BoolVar(&genToken, "gen-token", false, "Print a new machine token and its hash and exit")
	flag.Parse()

	if hashPassword != "" {
		hash, err := auth.NewPasswordHasher().HashPassword(hashPassword)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}
	if genToken {
		token, hash, err := auth.NewMachineTokenGenerator().GenerateMachineToken()
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Printf("token: %s\ntoken_hash: %s\n", token, hash)
		return
	}

	// Config laden
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if simulate && !strings.HasPrefix(cfg.Bus.Address, "sim://") {
		cfg.Bus.Address = simulatedAddress
	}

	// Logger initialisieren
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully",
		zap.String("config", configPath),
		zap.String("bus", cfg.Bus.Address))

	lifecycle, err := system.NewLifecycleManager(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create lifecycle manager", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// System starten
	if err := lifecycle.Start(ctx); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		_ = lifecycle.Shutdown(context.Background())
		os.Exit(1)
	}

	logger.Info("OpenFEACore started successfully")

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case <-lifecycle.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("OpenFEACore stopped successfully")
}
