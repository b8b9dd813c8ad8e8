// Package api exposes the auction engine over HTTP. Handlers translate
// requests into engine calls and engine outcomes into status codes; all
// rule enforcement stays in the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/larsvolden/squad-auction-service/internal/auction"
	"github.com/larsvolden/squad-auction-service/internal/store"
	"github.com/larsvolden/squad-auction-service/internal/telemetry"
)

const scope = "github.com/larsvolden/squad-auction-service/internal/api"

// Handlers process HTTP requests against the auction engine.
type Handlers struct {
	engine *auction.Engine
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandlers creates new API handlers.
func NewHandlers(engine *auction.Engine, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		engine: engine,
		logger: logger,
		tracer: tp.Tracer(scope),
	}
}

// Router assembles the versioned route table.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.traceRequests)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/auctions", h.handleCreateAuction).Methods(http.MethodPost)
	v1.HandleFunc("/auctions", h.handleListAuctions).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{id}", h.handleSnapshot).Methods(http.MethodGet)
	v1.HandleFunc("/auctions/{id}", h.handleDeleteAuction).Methods(http.MethodDelete)
	v1.HandleFunc("/auctions/{id}/items", h.handleAddItems).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/bidders", h.handleAddBidders).Methods(http.MethodPost)

	v1.HandleFunc("/auctions/{id}/start", h.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/mock-run", h.handleMockRun).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/pause", h.handlePause).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/resume", h.handleResume).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/end", h.handleEnd).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/advance", h.handleAdvance).Methods(http.MethodPost)

	v1.HandleFunc("/auctions/{id}/bids", h.handlePlaceBid).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/sold", h.handleMarkSold).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/unsold", h.handleMarkUnsold).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/undo-bid", h.handleUndoBid).Methods(http.MethodPost)
	v1.HandleFunc("/auctions/{id}/undo-sale", h.handleUndoSale).Methods(http.MethodPost)

	return r
}

// traceRequests opens a span per request named after the route template.
func (h *Handlers) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		ctx, span := h.tracer.Start(r.Context(), r.Method+" "+route,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type createAuctionRequest struct {
	Name      string       `json:"name"`
	CreatedBy string       `json:"createdBy"`
	Rules     *store.Rules `json:"rules,omitempty"`
}

func (h *Handlers) handleCreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.engine.CreateAuction(r.Context(), req.Name, req.CreatedBy, req.Rules)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handlers) handleListAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := h.engine.ListAuctions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auctions)
}

func (h *Handlers) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.engine.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) handleDeleteAuction(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteAuction(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type addItemsRequest struct {
	Items []auction.ItemSpec `json:"items"`
}

func (h *Handlers) handleAddItems(w http.ResponseWriter, r *http.Request) {
	var req addItemsRequest
	if !h.decode(w, r, &req) {
		return
	}
	items, err := h.engine.AddItems(r.Context(), mux.Vars(r)["id"], req.Items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, items)
}

type addBiddersRequest struct {
	Bidders []auction.BidderSpec `json:"bidders"`
}

func (h *Handlers) handleAddBidders(w http.ResponseWriter, r *http.Request) {
	var req addBiddersRequest
	if !h.decode(w, r, &req) {
		return
	}
	bidders, err := h.engine.AddBidders(r.Context(), mux.Vars(r)["id"], req.Bidders)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bidders)
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.StartLive)
}

func (h *Handlers) handleMockRun(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.StartMockRun)
}

func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Pause)
}

func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.Resume)
}

func (h *Handlers) handleEnd(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.engine.End)
}

// lifecycle runs one of the status transition operations, which all share a
// signature and response shape.
func (h *Handlers) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*auction.LifecycleResult, error)) {
	res, err := op(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleAdvance(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.AdvanceToNext(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type placeBidRequest struct {
	BidderID string `json:"bidderId"`
	Amount   int64  `json:"amount"`
}

func (h *Handlers) handlePlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if !h.decode(w, r, &req) {
		return
	}
	receipt, err := h.engine.PlaceBid(r.Context(), mux.Vars(r)["id"], req.BidderID, req.Amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type settleRequest struct {
	ItemID string `json:"itemId"`
}

func (h *Handlers) handleMarkSold(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.MarkSold(r.Context(), mux.Vars(r)["id"], req.ItemID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleMarkUnsold(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.MarkUnsold(r.Context(), mux.Vars(r)["id"], req.ItemID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleUndoBid(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.UndoBid(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleUndoSale(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.UndoSale(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// errorBody is the envelope every failed request carries.
type errorBody struct {
	Error errorInfo `json:"error"`
}

type errorInfo struct {
	Class   auction.Class   `json:"class,omitempty"`
	Reason  auction.Reason  `json:"reason"`
	Message string          `json:"message"`
	Detail  *auction.Detail `json:"detail,omitempty"`
}

// decode reads the JSON request body into v, answering 400 on garbage.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: errorInfo{
			Class:   auction.ClassValidation,
			Reason:  "MALFORMED_BODY",
			Message: "request body is not valid JSON: " + err.Error(),
		}})
		return false
	}
	return true
}

// writeError maps engine and store errors onto HTTP status codes. Rejections
// keep their class, reason and detail; anything else is reduced to a generic
// envelope so internals do not leak.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	if rej, ok := auction.AsRejection(err); ok {
		info := errorInfo{Class: rej.Class, Reason: rej.Reason, Message: rej.Message}
		if rej.Detail != (auction.Detail{}) {
			info.Detail = &rej.Detail
		}
		writeJSON(w, statusForClass(rej.Class), errorBody{Error: info})
		return
	}

	if inv, ok := auction.AsInvariant(err); ok {
		telemetry.LogWithTrace(ctx, h.logger).ErrorContext(ctx, "invariant violation",
			slog.String("op", inv.Op),
			slog.String("detail", inv.Msg),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorInfo{
			Reason:  "INVARIANT_VIOLATION",
			Message: inv.Error(),
		}})
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorInfo{
			Reason:  "NOT_FOUND",
			Message: err.Error(),
		}})
		return
	}

	telemetry.LogWithTrace(ctx, h.logger).ErrorContext(ctx, "request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorInfo{
		Reason:  "INTERNAL",
		Message: "internal error",
	}})
}

// statusForClass picks the HTTP status for a rejection class.
func statusForClass(c auction.Class) int {
	switch c {
	case auction.ClassValidation:
		return http.StatusBadRequest
	case auction.ClassBusinessRule:
		return http.StatusUnprocessableEntity
	case auction.ClassConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
