package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ignatij/taskflow/internal/log"
	"github.com/ignatij/taskflow/pkg/models"
	"github.com/ignatij/taskflow/pkg/service"
	"github.com/ignatij/taskflow/pkg/storage"
)

const maxBodyBytes = 1 << 20

// NewMux registers every TaskFlow route on a fresh ServeMux.
func NewMux(svc *service.WorkflowService) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HealthHandler)
	mux.HandleFunc("POST /requests", SubmitRequestHandler(svc))
	mux.HandleFunc("GET /workflows", ListWorkflowsHandler(svc))
	mux.HandleFunc("GET /workflows/{rootID}", WorkflowByIDHandler(svc))
	mux.HandleFunc("GET /workflows/{rootID}/logs", ExecutionLogsHandler(svc))
	mux.HandleFunc("POST /workflows/{rootID}/advance", AdvanceHandler(svc))
	mux.HandleFunc("POST /workflows/{rootID}/units/{stableID}/retry", RetryUnitHandler(svc))
	mux.HandleFunc("POST /callbacks/{rootID}", CallbackHandler(svc))
	return mux
}

// StartServer serves until ctx is cancelled, then shuts down gracefully.
func StartServer(ctx context.Context, port string, svc *service.WorkflowService) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting TaskFlow server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.GetLogger().Info("Shutting down TaskFlow server")
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "TaskFlow server is running")
}

func SubmitRequestHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.Request
		if !decodeBody(w, r, &req) {
			return
		}
		result, err := svc.SubmitRequest(r.Context(), req)
		if err != nil {
			writeError(w, "Failed to submit request", err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func ListWorkflowsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workflows, err := svc.ListWorkflows(r.Context())
		if err != nil {
			writeError(w, "Failed to list workflows", err)
			return
		}
		writeJSON(w, http.StatusOK, workflows)
	}
}

func WorkflowByIDHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.GetWorkflow(r.Context(), r.PathValue("rootID"))
		if err != nil {
			writeError(w, "Failed to get workflow", err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func ExecutionLogsHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := svc.ExecutionLogs(r.Context(), r.PathValue("rootID"))
		if err != nil {
			writeError(w, "Failed to get execution logs", err)
			return
		}
		writeJSON(w, http.StatusOK, logs)
	}
}

func AdvanceHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := svc.Advance(r.Context(), r.PathValue("rootID"))
		if err != nil {
			writeError(w, "Failed to advance workflow", err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func RetryUnitHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := svc.RetryUnit(r.Context(), r.PathValue("rootID"), r.PathValue("stableID"))
		if err != nil {
			writeError(w, "Failed to retry unit", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// CallbackHandler receives backend notifications. Known roots always get a 200,
// including re-deliveries, so the backend stops retrying them.
func CallbackHandler(svc *service.WorkflowService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload models.CallbackPayload
		if !decodeBody(w, r, &payload) {
			return
		}
		n, err := payload.Notification()
		if err != nil {
			log.GetLogger().Warnf("Rejected callback for workflow %s: %v", r.PathValue("rootID"), err)
			http.Error(w, fmt.Sprintf("Invalid callback: %v", err), http.StatusBadRequest)
			return
		}
		out, err := svc.HandleNotification(r.Context(), r.PathValue("rootID"), n)
		if err != nil {
			writeError(w, "Failed to process callback", err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		log.GetLogger().Errorf("Malformed body in %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, fmt.Sprintf("Malformed JSON body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.GetLogger().Errorf("%s: %v", msg, err)
	} else {
		log.GetLogger().Warnf("%s: %v", msg, err)
	}
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidDecomposition):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotRetryable),
		errors.Is(err, service.ErrNotDecomposed),
		errors.Is(err, service.ErrPhaseNotReady),
		errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, service.ErrContinuationRefReused):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
