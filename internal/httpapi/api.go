package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/whiskerlink/whisker-bridge/internal/account"
	"github.com/whiskerlink/whisker-bridge/internal/backend"
	"github.com/whiskerlink/whisker-bridge/internal/command"
	"github.com/whiskerlink/whisker-bridge/internal/model"
	"github.com/whiskerlink/whisker-bridge/internal/poller"
	"github.com/whiskerlink/whisker-bridge/internal/storage"
)

type API struct {
	account *account.Account
	poller  *poller.Poller
	repo    *storage.Repository
	logger  *slog.Logger
}

func New(acct *account.Account, p *poller.Poller, repo *storage.Repository, logger *slog.Logger) *API {
	return &API{account: acct, poller: p, repo: repo, logger: logger}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(20 * time.Second))
	r.Use(stripIngressPrefix)

	r.Get("/healthz", a.health)
	r.Route("/api", func(api chi.Router) {
		api.Get("/devices", a.listDevices)
		api.Get("/devices/{serial}", a.getDevice)
		api.Get("/devices/{serial}/history", a.deviceHistory)
		api.Get("/devices/{serial}/activity", a.deviceActivity)
		api.Post("/devices/{serial}/command", a.sendCommand)
		api.Post("/refresh", a.refresh)
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"devices": len(a.account.ListDevices()),
	})
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	family := strings.TrimSpace(r.URL.Query().Get("family"))
	items := make([]map[string]any, 0)
	for _, descriptor := range a.account.ListDevices() {
		if family != "" && string(descriptor.Family) != family {
			continue
		}
		item := map[string]any{
			"serial":    descriptor.Serial,
			"family":    descriptor.Family,
			"backendId": descriptor.BackendID,
			"name":      descriptor.Name,
		}
		if current, err := a.account.GetState(descriptor.Serial); err == nil {
			item["updatedAt"] = current.UpdatedAt
			item["source"] = current.Source
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	current, err := a.account.GetState(serial)
	if err != nil {
		if errors.Is(err, model.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "not_found", "Device not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serial":     current.Serial,
		"attributes": current.Attributes,
		"updatedAt":  current.UpdatedAt,
		"source":     current.Source,
	})
}

func (a *API) deviceHistory(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = value
	}
	entries, err := a.repo.RecentHistory(r.Context(), serial, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) deviceActivity(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = value
	}
	result, err := a.account.GetActivity(r.Context(), serial, limit)
	if err != nil {
		if errors.Is(err, model.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "not_found", "Device not found")
			return
		}
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == backend.KindRateLimited {
			writeError(w, http.StatusTooManyRequests, "rate_limited", apiErr.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "activity_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type commandRequest struct {
	Command string         `json:"command"`
	Deltas  map[string]any `json:"deltas"`
	Wait    bool           `json:"wait"`
}

func (a *API) sendCommand(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	var payload commandRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	if strings.TrimSpace(payload.Command) == "" {
		writeError(w, http.StatusBadRequest, "missing_command", "command is required")
		return
	}

	handle, err := a.account.SendCommand(r.Context(), serial, payload.Command, payload.Deltas)
	if err != nil {
		if errors.Is(err, model.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "not_found", "Device not found")
			return
		}
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Kind == backend.KindRateLimited {
			writeError(w, http.StatusTooManyRequests, "rate_limited", apiErr.Error())
			return
		}
		writeError(w, http.StatusBadGateway, "command_failed", err.Error())
		return
	}

	if !payload.Wait {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":     handle.ID,
			"status": handle.Status(),
		})
		return
	}

	status, waitErr := a.account.AwaitConfirmation(r.Context(), handle)
	if waitErr != nil {
		// The command keeps running; report the last observed status.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":     handle.ID,
			"status": status,
		})
		return
	}
	code := http.StatusOK
	if status != command.StatusConfirmed {
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]any{
		"id":     handle.ID,
		"status": status,
	})
}

func (a *API) refresh(w http.ResponseWriter, _ *http.Request) {
	a.poller.TriggerRefresh()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func stripIngressPrefix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := strings.TrimSpace(r.Header.Get("X-Ingress-Path"))
		if prefix != "" && strings.HasPrefix(r.URL.Path, prefix) {
			r.URL.Path = strings.TrimPrefix(r.URL.Path, prefix)
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// RunServer starts and gracefully stops the HTTP server with context
// cancellation.
func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}
