package main

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"claimcheck/internal/api"
	"claimcheck/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("CLAIMCHECK_CONFIG"), nil)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	cfg.ConfigureLogging()

	if dir := filepath.Dir(cfg.Server.DBPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logrus.Fatalf("create data directory: %v", err)
		}
	}

	server, err := api.NewServer(api.Config{
		DBPath:         cfg.Server.DBPath,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Scoring:        cfg.ScoringConfig(),
		TermsPath:      cfg.Fraud.TermsPath,
		HistoryCSV:     cfg.History.CSVPath,
		AIConfig:       cfg.AIConfig(),
		DisableAI:      cfg.AI.Disabled,
		JobWorkers:     cfg.Jobs.Workers,
	})
	if err != nil {
		logrus.Fatalf("create server: %v", err)
	}
	defer func() {
		if cerr := server.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("close server")
		}
	}()

	router, err := server.Router()
	if err != nil {
		logrus.Fatalf("configure router: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"port":    cfg.Server.Port,
		"db_path": cfg.Server.DBPath,
	}).Info("starting claimcheck server")
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		logrus.Fatalf("server exited: %v", err)
	}
}
