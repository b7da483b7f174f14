package main

import (
	"flag"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/plomgrading/marker/internal/app"
	"github.com/plomgrading/marker/internal/handlers"
	"github.com/plomgrading/marker/internal/sweep"
)

func main() {
	var configPath = flag.String("config", "config.toml", "Path to config file")
	flag.Parse()

	service, err := app.NewService(*configPath)
	if err != nil {
		logger.Error.Fatalf("Failed to start service: %v", err)
	}
	defer service.Close()

	mux := http.NewServeMux()
	handlers.NewRubricHandler(service).Register(mux)
	handlers.NewTaskHandler(service).Register(mux)
	handlers.NewTokenHandler(service).Register(mux)
	mux.Handle("/metrics", promhttp.Handler())

	sweeper := sweep.New(
		service.Tasks,
		time.Duration(service.Config.Marking.SweepIntervalMinutes)*time.Minute,
		time.Duration(service.Config.Marking.MaxOutMinutes)*time.Minute,
	)
	if err := sweeper.Start(); err != nil {
		logger.Error.Fatalf("Failed to start stale task sweeper: %v", err)
	}
	defer sweeper.Stop()

	logger.Info.Printf(
		"Starting marker server for %q on %s (%d questions, %d versions)",
		service.Config.Exam.Name,
		service.Config.Server.Port,
		service.Config.Exam.Questions,
		service.Config.Exam.Versions,
	)
	if err := http.ListenAndServe(service.Config.Server.Port, mux); err != nil {
		logger.Error.Fatalf("Marker server failed: %v", err)
	}
}
