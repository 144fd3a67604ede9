package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"afterwatch/internal/api"
	"afterwatch/internal/config"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
	"afterwatch/internal/logs"
	"afterwatch/internal/runner"
	"afterwatch/internal/services"
)

// maxLogWait caps how long /api/logs may hold a follow request open, well
// under the server write timeout.
const maxLogWait = 10 * time.Second

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}

	token := strings.TrimSpace(cfg.Paths.APIToken)
	guard := func(next http.HandlerFunc) http.HandlerFunc {
		return authMiddleware(token, next)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", guard(srv.handleStatus))
	mux.HandleFunc("/api/runs", guard(srv.handleRuns))
	mux.HandleFunc("/api/runs/", guard(srv.handleRunItem))
	mux.HandleFunc("/api/pending", guard(srv.handlePending))
	mux.HandleFunc("/api/pending/process", guard(srv.handleProcessPending))
	mux.HandleFunc("/api/orphans", guard(srv.handleOrphans))
	mux.HandleFunc("/api/settings", guard(srv.handleSettings))
	mux.HandleFunc("/api/libraries", guard(srv.handleLibraries))
	mux.HandleFunc("/api/libraries/", guard(srv.handleLibraryItem))
	mux.HandleFunc("/api/stats", guard(srv.handleStats))
	mux.HandleFunc("/api/logs", guard(srv.handleLogs))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", slog.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status, err := s.daemon.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := api.DaemonStatus{
		Running:      status.Running,
		PID:          status.PID,
		LedgerDBPath: status.LedgerDBPath,
		LockFilePath: status.LockFilePath,
		TestMode:     status.Settings.TestMode,
		Schedule:     fmt.Sprintf("%02d:%02d", status.Settings.ScheduleHour, status.Settings.ScheduleMinute),
		ActiveRun:    api.FromProgress(status.ActiveRun),
		Stats:        api.FromTotals(status.Totals, status.States),
	}
	if status.LastRun != nil {
		lastRun := api.FromRun(status.LastRun)
		payload.LastRun = &lastRun
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		runs, err := s.daemon.store.ListRuns(r.Context(), limit)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.RunListResponse{Runs: api.FromRuns(runs)})
	case http.MethodPost:
		s.handleStartRun(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req api.StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts := runner.Options{Trigger: runner.TriggerAPI, BypassDelay: req.BypassDelay}
	switch strings.ToLower(strings.TrimSpace(req.Mode)) {
	case "":
	case string(ledger.RunModeTest):
		mode := ledger.RunModeTest
		opts.ModeOverride = &mode
	case string(ledger.RunModeLive):
		mode := ledger.RunModeLive
		opts.ModeOverride = &mode
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown run mode %q", req.Mode))
		return
	}

	runID, err := s.daemon.runner.StartRun(r.Context(), opts)
	if errors.Is(err, services.ErrConcurrency) {
		s.writeError(w, http.StatusConflict, "a run is already active")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.StartRunResponse{RunID: runID})
}

func (s *apiServer) handleRunItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if rest == "" {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if id == "" || strings.Contains(id, "/") {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err := s.daemon.runner.CancelRun(id); err != nil {
			if errors.Is(err, services.ErrNotFound) {
				s.writeError(w, http.StatusNotFound, fmt.Sprintf("run %s is not active", id))
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusNoContent, nil)
		return
	}

	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if strings.Contains(rest, "/") {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run, progress, err := s.daemon.runner.RunStatus(r.Context(), rest)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", rest))
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	outcomes, err := s.daemon.store.Outcomes(r.Context(), rest)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.RunDetailResponse{
		Run:      api.FromRun(run),
		Outcomes: api.FromOutcomes(outcomes),
		Progress: api.FromProgress(progress),
	})
}

func (s *apiServer) handlePending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	episodes, err := s.daemon.runner.ListPending(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	settings, err := s.daemon.store.Settings(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.PendingResponse{
		Episodes:  api.FromEpisodes(episodes),
		DelayDays: settings.DelayDays,
	})
}

func (s *apiServer) handleProcessPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID, err := s.daemon.runner.ProcessPendingNow(r.Context())
	if errors.Is(err, services.ErrConcurrency) {
		s.writeError(w, http.StatusConflict, "a run is already active")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.StartRunResponse{RunID: runID})
}

func (s *apiServer) handleOrphans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	orphans, err := s.daemon.Orphans(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.OrphanListResponse{Orphans: api.FromOrphans(orphans)})
}

func (s *apiServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		settings, err := s.daemon.store.Settings(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.FromSettings(settings))
	case http.MethodPut:
		var dto api.Settings
		if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		settings := api.ToSettings(dto)
		if err := settings.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.daemon.store.UpdateSettings(r.Context(), settings); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if err := s.daemon.scheduler.reload(r.Context()); err != nil {
			logging.WarnWithContext(s.log(), "schedule reload failed", "schedule_reload_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "the new schedule applies after the next daemon restart"),
			)
		}
		saved, err := s.daemon.store.Settings(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.FromSettings(saved))
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleLibraries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	libraries, err := s.daemon.store.Libraries(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.LibraryListResponse{Libraries: api.FromLibraries(libraries)})
}

func (s *apiServer) handleLibraryItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/libraries/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "library not found")
		return
	}

	var dto api.Library
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if dto.ID != "" && dto.ID != id {
		s.writeError(w, http.StatusBadRequest, "library id in body does not match URL")
		return
	}
	dto.ID = id

	lib := api.ToLibrary(dto)
	if err := lib.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.daemon.store.SaveLibrary(r.Context(), &lib); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	saved, err := s.daemon.store.GetLibrary(r.Context(), id)
	if err != nil || saved == nil {
		s.writeError(w, http.StatusInternalServerError, "library not persisted")
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromLibrary(saved))
}

func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	logPath := s.daemon.LogPath()
	if logPath == "" {
		s.writeJSON(w, http.StatusOK, api.LogTailResponse{Lines: []string{}})
		return
	}

	query := r.URL.Query()
	offset := int64(-1)
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		offset = parsed
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	waitMillis, _ := strconv.Atoi(query.Get("wait_ms"))
	wait := time.Duration(waitMillis) * time.Millisecond
	if wait > maxLogWait {
		wait = maxLogWait
	}

	ctx := r.Context()
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait+500*time.Millisecond)
		defer cancel()
	}
	result, err := logs.Tail(ctx, logPath, logs.TailOptions{
		Offset: offset,
		Limit:  limit,
		Follow: wait > 0,
		Wait:   wait,
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lines := result.Lines
	if lines == nil {
		lines = []string{}
	}
	s.writeJSON(w, http.StatusOK, api.LogTailResponse{Lines: lines, Offset: result.Offset})
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	totals, err := s.daemon.store.Totals(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	states, err := s.daemon.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.FromTotals(totals, states))
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
