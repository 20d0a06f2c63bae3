package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"PerpRisk/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxCommandBody = 1 << 20

// NewHTTPHandler routes the HTTP/JSON API, health probes and /metrics.
// API routes are registered on a grpc-gateway ServeMux so HTTP and gRPC share
// path templates and status mapping.
func NewHTTPHandler(api *API, hc *observability.HealthChecker, metricsHandler http.Handler, logger zerolog.Logger) http.Handler {
	gw := runtime.NewServeMux()
	h := &httpAPI{api: api, logger: logger}

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts", h.listAccounts},
		{"GET", "/v1/accounts/{index}", h.getAccount},
		{"GET", "/v1/accounts/{index}/margin", h.getMargin},
		{"GET", "/v1/accounts/{index}/journals", h.listJournals},
		{"GET", "/v1/accounts/{index}/crank-actions", h.listAccountCrankActions},
		{"GET", "/v1/crank-actions", h.listCrankActions},
		{"GET", "/v1/totals", h.getTotals},
		{"POST", "/v1/commands/{event_type}", h.submitCommand},
		{"GET", "/v1/admin/event-log", h.getEventLogInfo},
		{"GET", "/v1/admin/integrity", h.verifyIntegrity},
	}
	for _, r := range routes {
		if err := gw.HandlePath(r.method, r.pattern, r.handler); err != nil {
			panic(fmt.Sprintf("register route %s %s: %v", r.method, r.pattern, err))
		}
	}

	mux := http.NewServeMux()
	if hc != nil {
		mux.HandleFunc("/healthz", hc.LivenessHandler)
		mux.HandleFunc("/readyz", hc.ReadinessHandler)
	}
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	mux.Handle("/", gw)
	return mux
}

type httpAPI struct {
	api    *API
	logger zerolog.Logger
}

func (h *httpAPI) listAccounts(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.api.ListAccounts(r.Context(), &ListAccountsRequest{Kind: q.Get("kind"), Offset: offset, Limit: limit})
	h.write(w, resp, err)
}

func (h *httpAPI) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	index, err := indexParam(params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.api.GetAccount(r.Context(), &GetAccountRequest{Index: index})
	h.write(w, resp, err)
}

func (h *httpAPI) getMargin(w http.ResponseWriter, r *http.Request, params map[string]string) {
	index, err := indexParam(params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.api.GetMargin(r.Context(), &GetMarginRequest{Index: index})
	h.write(w, resp, err)
}

func (h *httpAPI) listJournals(w http.ResponseWriter, r *http.Request, params map[string]string) {
	index, err := indexParam(params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	req := &ListJournalsRequest{Index: index, Limit: limit}
	if before := q.Get("before"); before != "" {
		seq, err := strconv.ParseInt(before, 10, 64)
		if err != nil {
			h.writeError(w, status.Errorf(codes.InvalidArgument, "invalid before: %v", err))
			return
		}
		req.BeforeSequence = &seq
	}
	resp, err := h.api.ListJournals(r.Context(), req)
	h.write(w, resp, err)
}

func (h *httpAPI) listAccountCrankActions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	index, err := indexParam(params)
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.api.ListCrankActions(r.Context(), &ListCrankActionsRequest{Index: &index, Limit: limit})
	h.write(w, resp, err)
}

func (h *httpAPI) listCrankActions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.api.ListCrankActions(r.Context(), &ListCrankActionsRequest{Limit: limit})
	h.write(w, resp, err)
}

func (h *httpAPI) getTotals(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.api.GetTotals(r.Context(), &GetTotalsRequest{})
	h.write(w, resp, err)
}

// submitCommand takes the raw command JSON as the body.
func (h *httpAPI) submitCommand(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		h.writeError(w, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	resp, err := h.api.SubmitCommand(r.Context(), &SubmitCommandRequest{
		EventType: params["event_type"],
		Payload:   body,
	})
	h.write(w, resp, err)
}

func (h *httpAPI) getEventLogInfo(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.api.GetEventLogInfo(r.Context(), &GetEventLogInfoRequest{})
	h.write(w, resp, err)
}

func (h *httpAPI) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := h.api.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
	h.write(w, resp, err)
}

// --- helpers ---

func (h *httpAPI) write(w http.ResponseWriter, resp any, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn().Err(err).Msg("write response")
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *httpAPI) writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	json.NewEncoder(w).Encode(errorBody{Code: st.Code().String(), Message: st.Message()})
}

func indexParam(params map[string]string) (int, error) {
	index, err := strconv.Atoi(params["index"])
	if err != nil || index < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid account index %q", params["index"])
	}
	return index, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid integer %q", raw)
	}
	return v, nil
}
