package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/idot-digital/usersync/internal/dispatch"
	"github.com/idot-digital/usersync/internal/httputil"
	"github.com/idot-digital/usersync/internal/logging"
	"github.com/idot-digital/usersync/internal/middleware"
	"github.com/idot-digital/usersync/internal/models"
	"github.com/idot-digital/usersync/internal/signature"
	"github.com/idot-digital/usersync/internal/store"
)

const DefaultMaxBodyBytes = 1 << 20

// Dispatcher handles one verified-or-rejected delivery.
type Dispatcher interface {
	Handle(ctx context.Context, env models.Envelope) dispatch.Result
}

// HTTPHandlers implements the HTTP server handlers
type HTTPHandlers struct {
	dispatcher   Dispatcher
	store        store.Store
	logger       *logging.Logger
	maxBodyBytes int64
}

func NewHTTPHandlers(d Dispatcher, st store.Store, logger *logging.Logger, maxBodyBytes int64) *HTTPHandlers {
	if logger == nil {
		logger = logging.Discard()
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &HTTPHandlers{
		dispatcher:   d,
		store:        st,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
	}
}

// WebhookHandler receives identity provider deliveries. The body is read
// verbatim because the signature covers the exact bytes sent.
func (h *HTTPHandlers) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.logger.WarnContext(r.Context(), "Failed to read webhook body", logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result := h.dispatcher.Handle(r.Context(), models.Envelope{
		ID:        r.Header.Get(signature.HeaderID),
		Timestamp: r.Header.Get(signature.HeaderTimestamp),
		Signature: r.Header.Get(signature.HeaderSignature),
		Payload:   payload,
	})
	httputil.WriteJSON(w, result.Status, result.Body())
}

// MeHandler returns the synced record of the session's subject.
func (h *HTTPHandlers) MeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httputil.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	subject := middleware.SessionSubject(r.Context())
	if subject == "" {
		httputil.WriteError(w, http.StatusUnauthorized, "Unauthorized - No token provided")
		return
	}

	user, err := h.store.GetUserByClerkID(r.Context(), subject)
	if errors.Is(err, store.ErrUserNotFound) {
		httputil.WriteError(w, http.StatusNotFound, "User not synced yet")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "Failed to load user", logging.SubjectID(subject), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, user)
}

// HealthHandler reports whether the user store is reachable.
func (h *HTTPHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.WarnContext(r.Context(), "Health check failed", logging.Error(err))
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
