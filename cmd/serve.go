package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/model"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the report HTTP API",
	Long:  "Serves report creation and retrieval plus signed workbook downloads. Job execution happens in worker processes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(env *appEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/reports", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Domain string   `json:"domain"`
			URLs   []string `json:"urls"`
			UserID string   `json:"user_id"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Domain == "" {
			writeError(w, http.StatusBadRequest, "domain is required")
			return
		}
		if len(body.URLs) > model.MaxReportURLs {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("at most %d urls per report", model.MaxReportURLs))
			return
		}

		ctx := req.Context()
		company, err := env.store.EnsureCompany(ctx, model.NameFromDomain(body.Domain), body.Domain)
		if err != nil {
			serverError(w, "ensure company", err)
			return
		}
		report, err := env.store.CreateReport(ctx, company.ID, body.UserID, body.URLs)
		if err != nil {
			serverError(w, "create report", err)
			return
		}
		if err := env.pipeline.StartReport(ctx, report.ID); err != nil {
			serverError(w, "queue report", err)
			return
		}
		writeJSON(w, http.StatusAccepted, report)
	})

	r.Get("/api/reports/{id}", func(w http.ResponseWriter, req *http.Request) {
		report, err := env.store.GetReport(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	// Signed workbook downloads; the token was minted by the fs storage
	// when the report was assembled.
	r.Get("/files/*", func(w http.ResponseWriter, req *http.Request) {
		key := chi.URLParam(req, "*")
		expires, err := strconv.ParseInt(req.URL.Query().Get("expires"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expires")
			return
		}
		if !env.storage.Verify(key, expires, req.URL.Query().Get("token")) {
			writeError(w, http.StatusForbidden, "invalid or expired token")
			return
		}

		rc, err := env.storage.Get(req.Context(), key)
		if err != nil {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		if _, err := io.Copy(w, rc); err != nil {
			zap.L().Warn("file download aborted", zap.String("key", key), zap.Error(err))
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func serverError(w http.ResponseWriter, action string, err error) {
	zap.L().Error("api: "+action, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
