package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/KeychainMDIP/kc-sub000"
	"github.com/carlmjohnson/versioninfo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIVersion is reported by GET /api/v1/version
const APIVersion = 1

const maxBodyBytes = 32 << 20

// Server holds the HTTP server and its dependencies
type Server struct {
	gk     *mdip.Gatekeeper
	hub    *EventHub
	state  *State
	addr   string
	logger *slog.Logger
}

// NewServer creates a new HTTP server. hub may be nil, in which case the event stream is not served.
func NewServer(gk *mdip.Gatekeeper, hub *EventHub, state *State, addr string, logger *slog.Logger) *Server {
	return &Server{
		gk:     gk,
		hub:    hub,
		state:  state,
		addr:   addr,
		logger: logger.With("component", "server"),
	}
}

// Handler returns the routed API, without instrumentation
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/ready", s.handleReady)
	mux.HandleFunc("GET /api/v1/version", s.handleVersion)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/registries", s.handleRegistries)

	mux.HandleFunc("POST /api/v1/did", s.handleSubmitOperation)
	mux.HandleFunc("POST /api/v1/did/generate", s.handleGenerateDID)
	mux.HandleFunc("GET /api/v1/did/{did}", s.handleResolveDID)
	mux.HandleFunc("POST /api/v1/did/{did}", s.handleSubmitOperation)
	mux.HandleFunc("DELETE /api/v1/did/{did}", s.handleSubmitOperation)

	mux.HandleFunc("POST /api/v1/dids", s.handleGetDIDs)
	mux.HandleFunc("POST /api/v1/dids/remove", s.handleRemoveDIDs)
	mux.HandleFunc("POST /api/v1/dids/export", s.handleExportDIDs)
	mux.HandleFunc("POST /api/v1/dids/import", s.handleImportDIDs)
	mux.HandleFunc("POST /api/v1/batch/export", s.handleExportBatch)
	mux.HandleFunc("POST /api/v1/batch/import", s.handleImportBatch)

	mux.HandleFunc("GET /api/v1/queue/{registry}", s.handleGetQueue)
	mux.HandleFunc("POST /api/v1/queue/{registry}/clear", s.handleClearQueue)

	mux.HandleFunc("GET /api/v1/db/reset", s.handleResetDb)
	mux.HandleFunc("GET /api/v1/db/verify", s.handleVerifyDb)
	mux.HandleFunc("POST /api/v1/events/process", s.handleProcessEvents)
	if s.hub != nil {
		mux.Handle("GET /api/v1/events/stream", s.hub)
	}

	mux.HandleFunc("POST /api/v1/cas/json", s.handleAddJSON)
	mux.HandleFunc("GET /api/v1/cas/json/{cid}", s.handleGetJSON)
	mux.HandleFunc("POST /api/v1/cas/text", s.handleAddText)
	mux.HandleFunc("GET /api/v1/cas/text/{cid}", s.handleGetText)
	mux.HandleFunc("POST /api/v1/cas/data", s.handleAddData)
	mux.HandleFunc("GET /api/v1/cas/data/{cid}", s.handleGetData)

	mux.HandleFunc("GET /api/v1/block/{registry}/latest", s.handleGetBlock)
	mux.HandleFunc("GET /api/v1/block/{registry}/{blockId}", s.handleGetBlock)
	mux.HandleFunc("POST /api/v1/block/{registry}", s.handleAddBlock)
	return mux
}

// Run starts the HTTP server, blocking until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: otelhttp.NewHandler(s.Handler(), ""),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth handles GET /_health - returns version information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": versioninfo.Short(),
	})
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// writeError maps engine errors to a status code
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mdip.ErrInvalidDID):
		status = http.StatusNotFound
	case errors.Is(err, mdip.ErrInvalidOperation), errors.Is(err, mdip.ErrInvalidParameter):
		status = http.StatusBadRequest
	case errors.Is(err, mdip.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSONError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON request body into v. Malformed bodies are reported as 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeJSONError(w, fmt.Sprintf("%s: %v", mdip.ErrInvalidParameter, err), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.state.IsReady())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, APIVersion)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.state.Status())
}

func (s *Server) handleRegistries(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.gk.ListRegistries())
}

// handleSubmitOperation handles POST /did, POST /did/{did} and DELETE /did/{did}
func (s *Server) handleSubmitOperation(w http.ResponseWriter, r *http.Request) {
	var op mdip.OpEnum
	if !decodeBody(w, r, &op) {
		return
	}
	ctx := r.Context()

	if did := r.PathValue("did"); did != "" {
		if target := op.AsOperation(); target != nil && target.TargetDID() != did {
			writeJSONError(w, fmt.Sprintf("%s: operation.did", mdip.ErrInvalidOperation), http.StatusBadRequest)
			return
		}
	}

	switch {
	case op.Create != nil:
		did, err := s.gk.CreateDID(ctx, op.Create)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, did)
	case op.Update != nil || op.Delete != nil:
		ok, err := s.gk.UpdateDID(ctx, op.AsOperation())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, ok)
	default:
		writeJSONError(w, fmt.Sprintf("%s: missing", mdip.ErrInvalidOperation), http.StatusBadRequest)
	}
}

func (s *Server) handleGenerateDID(w http.ResponseWriter, r *http.Request) {
	var op mdip.CreateOp
	if !decodeBody(w, r, &op) {
		return
	}
	did, err := s.gk.GenerateDID(&op)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, did)
}

// handleResolveDID handles GET /did/{did}?confirm&verify&versionTime&versionSequence
func (s *Server) handleResolveDID(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := mdip.ResolveOptions{
		Confirm: q.Get("confirm") == "true",
		Verify:  q.Get("verify") == "true",
	}
	if v := q.Get("versionSequence"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, fmt.Sprintf("%s: versionSequence=%s", mdip.ErrInvalidParameter, v), http.StatusBadRequest)
			return
		}
		opts.AtVersion = n
	}
	if v := q.Get("versionTime"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeJSONError(w, fmt.Sprintf("%s: versionTime=%s", mdip.ErrInvalidParameter, v), http.StatusBadRequest)
			return
		}
		opts.AtTime = t
	}

	doc, err := s.gk.ResolveDID(r.Context(), r.PathValue("did"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, doc)
}

func (s *Server) handleGetDIDs(w http.ResponseWriter, r *http.Request) {
	var opts mdip.GetDIDsOptions
	if !decodeBody(w, r, &opts) {
		return
	}
	res, err := s.gk.GetDIDs(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleRemoveDIDs(w http.ResponseWriter, r *http.Request) {
	var dids []string
	if !decodeBody(w, r, &dids) {
		return
	}
	ok, err := s.gk.RemoveDIDs(r.Context(), dids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, ok)
}

type exportRequest struct {
	DIDs []string `json:"dids"`
}

func (s *Server) handleExportDIDs(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	logs, err := s.gk.ExportDIDs(r.Context(), req.DIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, logs)
}

func (s *Server) handleImportDIDs(w http.ResponseWriter, r *http.Request) {
	var logs [][]json.RawMessage
	if !decodeBody(w, r, &logs) {
		return
	}
	var items []json.RawMessage
	for _, log := range logs {
		items = append(items, log...)
	}
	s.importEvents(w, r, items)
}

func (s *Server) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	events, err := s.gk.ExportBatch(r.Context(), req.DIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleImportBatch(w http.ResponseWriter, r *http.Request) {
	var items []json.RawMessage
	if !decodeBody(w, r, &items) {
		return
	}
	s.importEvents(w, r, items)
}

// importEvents decodes each event on its own. Undecodable events count as rejected
// instead of failing the whole request.
func (s *Server) importEvents(w http.ResponseWriter, r *http.Request, items []json.RawMessage) {
	if len(items) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: batch", mdip.ErrInvalidParameter))
		return
	}
	batch := make([]mdip.Event, 0, len(items))
	var undecodable int
	for i, item := range items {
		var event mdip.Event
		if err := json.Unmarshal(item, &event); err != nil {
			s.logger.Debug("skipping undecodable event", "index", i, "error", err)
			undecodable++
			continue
		}
		batch = append(batch, event)
	}
	if len(batch) == 0 {
		writeJSON(w, &mdip.ImportBatchResult{Rejected: undecodable, Total: s.gk.QueueLength()})
		return
	}
	res, err := s.gk.ImportBatch(r.Context(), batch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res.Rejected += undecodable
	writeJSON(w, res)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := s.gk.GetQueue(r.Context(), r.PathValue("registry"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, ops)
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	var ops []mdip.OpEnum
	if !decodeBody(w, r, &ops) {
		return
	}
	ok, err := s.gk.ClearQueue(r.Context(), r.PathValue("registry"), ops)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, ok)
}

func (s *Server) handleResetDb(w http.ResponseWriter, r *http.Request) {
	ok, err := s.gk.ResetDb(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, ok)
}

func (s *Server) handleVerifyDb(w http.ResponseWriter, r *http.Request) {
	res, err := s.gk.VerifyDb(r.Context(), mdip.VerifyDbOptions{})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.state.SetLastVerify(res)
	writeJSON(w, res)
}

func (s *Server) handleProcessEvents(w http.ResponseWriter, r *http.Request) {
	res := s.gk.ProcessEvents(r.Context())
	recordProcessed(r.Context(), res)
	writeJSON(w, res)
}

func (s *Server) handleAddJSON(w http.ResponseWriter, r *http.Request) {
	var v json.RawMessage
	if !decodeBody(w, r, &v) {
		return
	}
	cid, err := s.gk.AddJSON(r.Context(), v)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cid)
}

func (s *Server) handleGetJSON(w http.ResponseWriter, r *http.Request) {
	v, err := s.gk.GetJSON(r.Context(), r.PathValue("cid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if v == nil {
		writeJSONError(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(v)
}

func readRawBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, fmt.Sprintf("%s: %v", mdip.ErrInvalidParameter, err), http.StatusBadRequest)
		return nil, false
	}
	return b, true
}

func (s *Server) handleAddText(w http.ResponseWriter, r *http.Request) {
	b, ok := readRawBody(w, r)
	if !ok {
		return
	}
	cid, err := s.gk.AddText(r.Context(), string(b))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cid)
}

func (s *Server) handleGetText(w http.ResponseWriter, r *http.Request) {
	text, err := s.gk.GetText(r.Context(), r.PathValue("cid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, text)
}

func (s *Server) handleAddData(w http.ResponseWriter, r *http.Request) {
	b, ok := readRawBody(w, r)
	if !ok {
		return
	}
	cid, err := s.gk.AddData(r.Context(), b)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, cid)
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	data, err := s.gk.GetData(r.Context(), r.PathValue("cid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if data == nil {
		writeJSONError(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// handleGetBlock handles GET /block/{registry}/latest and GET /block/{registry}/{blockId}
func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	id := mdip.ParseBlockID(r.PathValue("blockId"))
	block, err := s.gk.GetBlock(r.Context(), r.PathValue("registry"), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, block)
}

func (s *Server) handleAddBlock(w http.ResponseWriter, r *http.Request) {
	var block mdip.BlockInfo
	if !decodeBody(w, r, &block) {
		return
	}
	ok, err := s.gk.AddBlock(r.Context(), r.PathValue("registry"), block)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, ok)
}
