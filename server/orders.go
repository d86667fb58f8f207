package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"liquidswap/lifecycle"
	"liquidswap/orders"
	"liquidswap/prover"
	"liquidswap/signing"
	"liquidswap/storage"
)

// intentResponse is the body returned whenever an operation produced a
// signing intent: the entity snapshot, the ledger rows awaiting signatures,
// the unsigned transactions, and the signing instructions.
type intentResponse struct {
	Order        *storage.Order               `json:"order,omitempty"`
	Escrow       *storage.Escrow              `json:"escrow,omitempty"`
	Transactions []storage.Transaction        `json:"transactions"`
	Unsigned     []prover.UnsignedTransaction `json:"unsigned"`
	Instructions prover.Instructions          `json:"instructions"`
}

func orderIntentResponse(order *storage.Order, built *signing.BuildResult) intentResponse {
	return intentResponse{
		Order:        order,
		Transactions: built.Transactions,
		Unsigned:     built.Unsigned,
		Instructions: built.Instructions,
	}
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.OrderFilter{
		Status:       storage.OrderStatus(q.Get("status")),
		OfferToken:   q.Get("offer_token"),
		WantToken:    q.Get("want_token"),
		MakerAddress: q.Get("maker_address"),
		SourceChain:  q.Get("source_chain"),
		DestChain:    q.Get("dest_chain"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	list, err := s.orders.List(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"orders": list, "count": len(list)})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var spec orders.CreateSpec
	if err := decodeBody(r, &spec, lifecycle.CodeInvalidOrderSpec); err != nil {
		s.fail(w, err)
		return
	}
	order, built, err := s.orders.Create(r.Context(), spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, orderIntentResponse(order, built))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	order, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	txns, err := s.orders.Transactions(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"order": order, "transactions": txns})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var spec orders.FillSpec
	if err := decodeBody(r, &spec, lifecycle.CodeInvalidOrderSpec); err != nil {
		s.fail(w, err)
		return
	}
	order, built, err := s.orders.Fill(r.Context(), id, spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, orderIntentResponse(order, built))
}

type cancelRequest struct {
	Requester     string `json:"requester"`
	FundingUTXO   string `json:"funding_utxo"`
	FundingValue  uint64 `json:"funding_utxo_value"`
	ChangeAddress string `json:"change_address"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req cancelRequest
	if err := decodeBody(r, &req, lifecycle.CodeInvalidOrderSpec); err != nil {
		s.fail(w, err)
		return
	}
	if req.Requester == "" {
		req.Requester = r.URL.Query().Get("requester")
	}
	order, built, err := s.orders.Cancel(r.Context(), id, req.Requester, orders.FillSpec{
		FundingUTXO:   req.FundingUTXO,
		FundingValue:  req.FundingValue,
		ChangeAddress: req.ChangeAddress,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, orderIntentResponse(order, built))
}

type broadcastRequest struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	SignedHex     string    `json:"signed_hex"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	orderID, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req broadcastRequest
	if err := decodeBody(r, &req, lifecycle.CodeInvalidOrderSpec); err != nil {
		s.fail(w, err)
		return
	}
	if req.TransactionID == uuid.Nil {
		s.fail(w, lifecycle.New(lifecycle.KindValidation, lifecycle.CodeInvalidOrderSpec, "transaction_id is required"))
		return
	}
	txn, err := s.pipeline.SubmitSigned(r.Context(), req.TransactionID, req.SignedHex)
	if err != nil {
		s.fail(w, err)
		return
	}
	order, err := s.orders.Get(r.Context(), orderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"order": order, "transaction": txn})
}

func parseID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, lifecycle.Wrap(lifecycle.KindNotFound, lifecycle.CodeNotFound, err, "invalid id %q", raw)
	}
	return id, nil
}
