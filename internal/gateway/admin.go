package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"agentdesk/internal/domain"
	"agentdesk/internal/keymanager"
)

// KeyAdmin is the administrative surface of one provider's key pool
// (implemented by *keymanager.Manager).
type KeyAdmin interface {
	AddKey(secret string) error
	RemoveKey(index int) error
	UpdateKeys(secrets []string) error
	SwitchToKey(index int) error
	KeyStatuses() []domain.KeyStatusView
	HasAvailableKeys() bool
	NextResetTime() (time.Time, bool)
	Subscribe(fn func(domain.KeyPoolState)) (unsubscribe func())
}

// maxAdminBody caps admin request bodies.
const maxAdminBody = 64 << 10

// KeysResponse is the body of every successful key pool endpoint.
type KeysResponse struct {
	Provider      string                 `json:"provider"`
	Keys          []domain.KeyStatusView `json:"keys"`
	HasAvailable  bool                   `json:"hasAvailable"`
	NextResetTime *time.Time             `json:"nextResetTime,omitempty"`
}

type addKeyRequest struct {
	Key string `json:"key"`
}

type updateKeysRequest struct {
	Keys []string `json:"keys"`
}

type switchKeyRequest struct {
	Index *int `json:"index"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) routeAdmin(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/providers", s.handleListProviders)
	mux.HandleFunc("GET /api/providers/{ns}/keys", s.withPool(s.handleListKeys))
	mux.HandleFunc("POST /api/providers/{ns}/keys", s.withPool(s.handleAddKey))
	mux.HandleFunc("PUT /api/providers/{ns}/keys", s.withPool(s.handleUpdateKeys))
	mux.HandleFunc("DELETE /api/providers/{ns}/keys/{index}", s.withPool(s.handleRemoveKey))
	mux.HandleFunc("POST /api/providers/{ns}/active", s.withPool(s.handleSwitchKey))
}

type poolHandler func(w http.ResponseWriter, r *http.Request, ns string, pool KeyAdmin)

func (s *Server) withPool(h poolHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns := r.PathValue("ns")
		pool, ok := s.pools[ns]
		if !ok {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown provider: " + ns})
			return
		}
		h(w, r, ns, pool)
	}
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]KeysResponse, 0, len(s.pools))
	names := make([]string, 0, len(s.pools))
	for ns := range s.pools {
		names = append(names, ns)
	}
	sort.Strings(names)
	for _, ns := range names {
		out = append(out, keysResponse(ns, s.pools[ns]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, ns string, pool KeyAdmin) {
	writeJSON(w, http.StatusOK, keysResponse(ns, pool))
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request, ns string, pool KeyAdmin) {
	var req addKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := pool.AddKey(req.Key); err != nil {
		s.writeAdminError(w, ns, "add key", err)
		return
	}
	writeJSON(w, http.StatusCreated, keysResponse(ns, pool))
}

func (s *Server) handleUpdateKeys(w http.ResponseWriter, r *http.Request, ns string, pool KeyAdmin) {
	var req updateKeysRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := pool.UpdateKeys(req.Keys); err != nil {
		s.writeAdminError(w, ns, "update keys", err)
		return
	}
	writeJSON(w, http.StatusOK, keysResponse(ns, pool))
}

func (s *Server) handleRemoveKey(w http.ResponseWriter, r *http.Request, ns string, pool KeyAdmin) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "index must be an integer"})
		return
	}
	if err := pool.RemoveKey(index); err != nil {
		s.writeAdminError(w, ns, "remove key", err)
		return
	}
	writeJSON(w, http.StatusOK, keysResponse(ns, pool))
}

func (s *Server) handleSwitchKey(w http.ResponseWriter, r *http.Request, ns string, pool KeyAdmin) {
	var req switchKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Index == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "index is required"})
		return
	}
	if err := pool.SwitchToKey(*req.Index); err != nil {
		s.writeAdminError(w, ns, "switch key", err)
		return
	}
	writeJSON(w, http.StatusOK, keysResponse(ns, pool))
}

func keysResponse(ns string, pool KeyAdmin) KeysResponse {
	resp := KeysResponse{
		Provider:     ns,
		Keys:         pool.KeyStatuses(),
		HasAvailable: pool.HasAvailableKeys(),
	}
	if t, ok := pool.NextResetTime(); ok {
		resp.NextResetTime = &t
	}
	return resp
}

// adminStatus maps key manager sentinels to HTTP status codes.
func adminStatus(err error) int {
	switch {
	case errors.Is(err, keymanager.ErrEmptyKey),
		errors.Is(err, keymanager.ErrEmptyKeyList),
		errors.Is(err, keymanager.ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, keymanager.ErrPoolFull),
		errors.Is(err, keymanager.ErrDuplicateKey),
		errors.Is(err, keymanager.ErrLastKey),
		errors.Is(err, keymanager.ErrKeyInvalid),
		errors.Is(err, keymanager.ErrKeyUnavailable):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeAdminError(w http.ResponseWriter, ns, op string, err error) {
	code := adminStatus(err)
	if code == http.StatusInternalServerError {
		s.log().Error("gateway: admin operation failed", "provider", ns, "op", op, "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
