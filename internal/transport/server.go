package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/officepro/historydb/internal/auth"
	"github.com/officepro/historydb/internal/history"
	"github.com/officepro/historydb/internal/operations"
	"github.com/officepro/historydb/internal/storage"
	"github.com/officepro/historydb/internal/workspace"
)

const serviceVersion = "1.0.0"

// APIServer serves stored history read-only and upgrades /ws to the
// editor bridge.
type APIServer struct {
	mux         *http.ServeMux
	handler     http.Handler
	workspace   *workspace.Workspace
	gateway     storage.Gateway
	bridge      *Bridge
	keys        *auth.Keyring
}

func NewAPIServer(ws *workspace.Workspace, gateway storage.Gateway, bridge *Bridge, keys *auth.Keyring, allowedOrigins []string) *APIServer {
	s := &APIServer{
		mux:         http.NewServeMux(),
		workspace:   ws,
		gateway:     gateway,
		bridge:      bridge,
		keys:        keys,
	}
	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.handler = c.Handler(auth.AuthMiddleware(keys)(s.mux))
	return s
}

func (s *APIServer) setupRoutes() {
	read := auth.RequirePermission(auth.PermissionReadHistory)
	write := auth.RequirePermission(auth.PermissionWriteDocuments)

	s.mux.Handle("GET /api/v1/documents", read(http.HandlerFunc(s.listDocuments)))
	s.mux.Handle("GET /api/v1/documents/{id}/versions", read(http.HandlerFunc(s.listVersions)))
	s.mux.Handle("GET /api/v1/documents/{id}/versions/{seq}", read(http.HandlerFunc(s.getVersion)))
	s.mux.Handle("GET /api/v1/documents/{id}/compare", read(http.HandlerFunc(s.compareVersions)))
	s.mux.Handle("GET /api/v1/documents/{id}/annotations", read(http.HandlerFunc(s.listAnnotations)))
	s.mux.Handle("GET /api/v1/documents/{id}/presence", read(http.HandlerFunc(s.documentPresence)))

	s.mux.Handle("GET /ws", write(http.HandlerFunc(s.serveWS)))

	s.mux.HandleFunc("GET /api/v1/health", s.healthCheck)
}

func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type SuccessResponse struct {
	Data    interface{} `json:"data"`
	Message string      `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *APIServer) jsonResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *APIServer) jsonError(w http.ResponseWriter, err error) {
	code := errorCode(err)
	s.jsonResponse(w, ErrorResponse{Error: err.Error(), Code: code}, httpStatus(code))
}

func (s *APIServer) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.gateway.ListDocuments(r.Context())
	if err != nil {
		s.jsonError(w, err)
		return
	}

	type documentSummary struct {
		storage.DocumentInfo
		Open bool `json:"open"`
	}
	open := make(map[string]bool)
	for _, id := range s.workspace.Documents() {
		open[id] = true
	}

	out := make([]documentSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentSummary{DocumentInfo: d, Open: open[d.ID]})
	}
	s.jsonResponse(w, SuccessResponse{Data: out}, http.StatusOK)
}

func (s *APIServer) listVersions(w http.ResponseWriter, r *http.Request) {
	engine, _, err := s.workspace.Inspect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, SuccessResponse{Data: engine.History()}, http.StatusOK)
}

func (s *APIServer) getVersion(w http.ResponseWriter, r *http.Request) {
	seq, err := parseSequence(r.PathValue("seq"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	engine, _, err := s.workspace.Inspect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	text, err := engine.Materialize(r.Context(), seq)
	if err != nil {
		s.jsonError(w, err)
		return
	}

	var info history.VersionInfo
	for _, v := range engine.History() {
		if v.Sequence == seq {
			info = v
			break
		}
	}

	s.jsonResponse(w, SuccessResponse{Data: struct {
		history.VersionInfo
		Text string `json:"text"`
	}{info, text}}, http.StatusOK)
}

func (s *APIServer) compareVersions(w http.ResponseWriter, r *http.Request) {
	from, err := parseSequence(r.URL.Query().Get("from"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	to, err := parseSequence(r.URL.Query().Get("to"))
	if err != nil {
		s.jsonError(w, err)
		return
	}

	engine, _, err := s.workspace.Inspect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, err)
		return
	}
	cmp, err := engine.Compare(r.Context(), from, to)
	if err != nil {
		s.jsonError(w, err)
		return
	}
	s.jsonResponse(w, SuccessResponse{Data: cmp}, http.StatusOK)
}

func (s *APIServer) listAnnotations(w http.ResponseWriter, r *http.Request) {
	_, anns, err := s.workspace.Inspect(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jsonError(w, err)
		return
	}

	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := anns[:0:0]
		for _, a := range anns {
			if string(a.Kind) == kind {
				filtered = append(filtered, a)
			}
		}
		anns = filtered
	}
	if anns == nil {
		anns = []*history.Annotation{}
	}
	s.jsonResponse(w, SuccessResponse{Data: anns}, http.StatusOK)
}

func (s *APIServer) documentPresence(w http.ResponseWriter, r *http.Request) {
	presence := s.bridge.Presence().DocumentPresence(r.PathValue("id"))
	if presence == nil {
		presence = []PresenceInfo{}
	}
	s.jsonResponse(w, SuccessResponse{Data: presence}, http.StatusOK)
}

func (s *APIServer) serveWS(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	author := identity.AuthorID
	if !identity.Authenticated {
		if requested := r.URL.Query().Get("author"); requested != "" {
			author = operations.AuthorID(requested)
		}
	}
	s.bridge.ServeWS(w, r, author)
}

func (s *APIServer) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	storeErr := ""
	if err := s.gateway.Ping(r.Context()); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		storeErr = err.Error()
	}

	health := struct {
		Status     string    `json:"status"`
		Timestamp  time.Time `json:"timestamp"`
		Version    string    `json:"version"`
		Documents  int       `json:"open_documents"`
		Clients    int       `json:"clients"`
		StoreError string    `json:"store_error,omitempty"`
	}{
		Status:     status,
		Timestamp:  time.Now(),
		Version:    serviceVersion,
		Documents:  len(s.workspace.Documents()),
		Clients:    len(s.bridge.ConnectedClients()),
		StoreError: storeErr,
	}
	s.jsonResponse(w, health, code)
}

func parseSequence(value string) (uint64, error) {
	if value == "" {
		return 0, fmt.Errorf("%w: version sequence is required", ErrInvalidMessage)
	}
	seq, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return seq, nil
}
