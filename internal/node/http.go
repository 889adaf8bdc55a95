package node

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"

	"semisynckv/internal/replication"
)

type putRequest struct {
	Value *string `json:"value"`
}

type putResponse struct {
	Key          string `json:"key"`
	Value        string `json:"value"`
	Seq          uint64 `json:"seq"`
	Acks         int    `json:"acks"`
	Quorum       int    `json:"quorum"`
	ReplicatedTo int    `json:"replicated_to"`
}

type quorumFailureResponse struct {
	Message      string `json:"message"`
	Seq          uint64 `json:"seq"`
	Acks         int    `json:"acks"`
	Quorum       int    `json:"quorum"`
	ReplicatedTo int    `json:"replicated_to"`
}

type getResponse struct {
	Key   string  `json:"key"`
	Value *string `json:"value"`
	Seq   *uint64 `json:"seq"`
}

type replicateRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Seq   uint64 `json:"seq"`
}

type replicateResponse struct {
	Applied bool `json:"applied"`
}

type dumpResponse struct {
	Role   string `json:"role"`
	NodeID string `json:"node_id"`
	Data   any    `json:"data"`
}

type errResp struct {
	Error string `json:"error"`
}

// NewHTTPHandler builds the client-facing router.
func NewHTTPHandler(svc *Service) http.Handler {
	h := &httpHandler{svc: svc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.withLogging)
	r.Use(escapedRoutePath)

	r.Get("/health", h.handleHealth)
	r.Get("/kv/{key}", h.handleGet)
	r.Put("/kv/{key}", h.handlePut)
	r.Get("/dump", h.handleDump)
	r.Post("/internal/replicate", h.handleReplicate)
	r.Get("/cluster/convergence", h.handleConvergence)

	return r
}

type httpHandler struct {
	svc *Service
}

func (h *httpHandler) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf("[%s] method=%s path=%s status=%d bytes=%d dur=%s remote=%s",
			h.svc.NodeID(), r.Method, r.URL.Path, status, ww.BytesWritten(), time.Since(start), r.RemoteAddr)
	})
}

// escapedRoutePath routes on the escaped path so path parameters reach
// their binder still escaped and are decoded exactly once.
func escapedRoutePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			rctx.RoutePath = r.URL.EscapedPath()
		}
		next.ServeHTTP(w, r)
	})
}

// keyParam binds the {key} path parameter.
func keyParam(r *http.Request) (string, error) {
	var key string
	err := runtime.BindStyledParameterWithLocation("simple", false, "key", runtime.ParamLocationPath, chi.URLParam(r, "key"), &key)
	return key, err
}

// GET /health
func (h *httpHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health())
}

// GET /kv/{key}
// A missing key is a 200 with null value and seq.
func (h *httpHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := getResponse{Key: key}
	if e, ok := h.svc.ReadKey(key); ok {
		resp.Value = &e.Value
		resp.Seq = &e.Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// PUT /kv/{key}
// Body: {"value": "V"}
func (h *httpHandler) handlePut(w http.ResponseWriter, r *http.Request) {
	key, err := keyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req putRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "missing value")
		return
	}

	res, err := h.svc.WriteKey(r.Context(), key, *req.Value)

	var qe *QuorumError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, putResponse{
			Key:          res.Key,
			Value:        res.Value,
			Seq:          res.Seq,
			Acks:         res.Acks,
			Quorum:       res.Quorum,
			ReplicatedTo: res.Attempted,
		})
	case errors.As(err, &qe):
		writeJSON(w, http.StatusServiceUnavailable, quorumFailureResponse{
			Message:      "write failed to reach quorum",
			Seq:          qe.Seq,
			Acks:         qe.Acks,
			Quorum:       qe.Quorum,
			ReplicatedTo: qe.Attempted,
		})
	default:
		writeError(w, httpStatus(err), err.Error())
	}
}

// GET /dump
func (h *httpHandler) handleDump(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dumpResponse{
		Role:   string(h.svc.Role()),
		NodeID: h.svc.NodeID(),
		Data:   h.svc.Snapshot(),
	})
}

// POST /internal/replicate
// Body: {"key": "K", "value": "V", "seq": N}
func (h *httpHandler) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	applied, err := h.svc.ReplicateIntent(replication.Intent{
		Key:       req.Key,
		Value:     req.Value,
		Seq:       req.Seq,
		RequestID: middleware.GetReqID(r.Context()),
		LeaderID:  r.RemoteAddr,
	})
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, replicateResponse{Applied: applied})
}

// GET /cluster/convergence
func (h *httpHandler) handleConvergence(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Convergence(r.Context())
	if err != nil {
		writeError(w, httpStatus(err), err.Error())
		return
	}
	converged := true
	for _, fc := range report {
		converged = converged && fc.Converged
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"converged": converged,
		"followers": report,
	})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotLeader), errors.Is(err, ErrNotFollower):
		return http.StatusForbidden
	case errors.Is(err, ErrEmptyKey), errors.Is(err, ErrInvalidSeq):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writeJSON: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
