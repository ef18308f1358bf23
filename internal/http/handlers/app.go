package handlers

import (
	"encoding/json"
	"net/http"

	"server/internal/batch"
	"server/internal/domain"
	"server/internal/infra"
)

// App bundles the dependencies shared by all request handlers.
type App struct {
	Repo   domain.BatchRepository
	Runner *batch.Runner
	Pacer  *batch.PacingController
	Logger infra.Logger
}

func NewApp(repo domain.BatchRepository, runner *batch.Runner, pacer *batch.PacingController, logger infra.Logger) *App {
	return &App{Repo: repo, Runner: runner, Pacer: pacer, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}
