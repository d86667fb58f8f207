package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"liquidswap/escrow"
	"liquidswap/lifecycle"
	"liquidswap/signing"
	"liquidswap/storage"
)

func escrowIntentResponse(es *storage.Escrow, built *signing.BuildResult) intentResponse {
	return intentResponse{
		Escrow:       es,
		Transactions: built.Transactions,
		Unsigned:     built.Unsigned,
		Instructions: built.Instructions,
	}
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.EscrowFilter{
		Status: storage.EscrowStatus(q.Get("status")),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}
	s.listEscrows(w, r, filter)
}

func (s *Server) handleEscrowsByDepositor(w http.ResponseWriter, r *http.Request) {
	s.listEscrows(w, r, storage.EscrowFilter{Depositor: chi.URLParam(r, "pubkey")})
}

func (s *Server) handleEscrowsByRecipient(w http.ResponseWriter, r *http.Request) {
	s.listEscrows(w, r, storage.EscrowFilter{Recipient: chi.URLParam(r, "pubkey")})
}

func (s *Server) listEscrows(w http.ResponseWriter, r *http.Request, filter storage.EscrowFilter) {
	list, err := s.escrows.List(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"escrows": list, "count": len(list)})
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var spec escrow.CreateSpec
	if err := decodeBody(r, &spec, lifecycle.CodeInvalidEscrowSpec); err != nil {
		s.fail(w, err)
		return
	}
	es, built, err := s.escrows.Create(r.Context(), spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, escrowIntentResponse(es, built))
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	es, err := s.escrows.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	txns, err := s.escrows.Transactions(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"escrow": es, "transactions": txns})
}

func (s *Server) handleEscrowBroadcast(w http.ResponseWriter, r *http.Request) {
	escrowID, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var req broadcastRequest
	if err := decodeBody(r, &req, lifecycle.CodeInvalidEscrowSpec); err != nil {
		s.fail(w, err)
		return
	}
	txn, err := s.pipeline.SubmitSigned(r.Context(), req.TransactionID, req.SignedHex)
	if err != nil {
		s.fail(w, err)
		return
	}
	es, err := s.escrows.Get(r.Context(), escrowID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"escrow": es, "transaction": txn})
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var spec escrow.ReleaseSpec
	if err := decodeBody(r, &spec, lifecycle.CodeInvalidEscrowSpec); err != nil {
		s.fail(w, err)
		return
	}
	es, built, err := s.escrows.Release(r.Context(), id, spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, escrowIntentResponse(es, built))
}

func (s *Server) handleRefundEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var spec escrow.RefundSpec
	if err := decodeBody(r, &spec, lifecycle.CodeInvalidEscrowSpec); err != nil {
		s.fail(w, err)
		return
	}
	es, built, err := s.escrows.Refund(r.Context(), id, spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, escrowIntentResponse(es, built))
}

func (s *Server) handleDisputeEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var spec escrow.DisputeSpec
	if err := decodeBody(r, &spec, lifecycle.CodeInvalidEscrowSpec); err != nil {
		s.fail(w, err)
		return
	}
	es, err := s.escrows.Dispute(r.Context(), id, spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"escrow": es})
}

func (s *Server) handleResolveEscrow(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	var spec escrow.ResolveSpec
	if err := decodeBody(r, &spec, lifecycle.CodeInvalidEscrowSpec); err != nil {
		s.fail(w, err)
		return
	}
	es, built, err := s.escrows.Resolve(r.Context(), id, spec)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, escrowIntentResponse(es, built))
}
