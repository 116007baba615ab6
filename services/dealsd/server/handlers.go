package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"farmtrade/native/deal"
	"farmtrade/observability/logging"
	"farmtrade/services/dealsd/assets"
	"farmtrade/services/dealsd/coordinator"
	"farmtrade/services/dealsd/directory"
	"farmtrade/services/dealsd/ledger"
	"farmtrade/services/dealsd/models"
	"farmtrade/services/dealsd/pricing"
)

type registerPartyRequest struct {
	Role string `json:"role"`
	directory.Profile
}

func (s *Server) registerParty(w http.ResponseWriter, r *http.Request) {
	var req registerPartyRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := deal.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Operators are promoted by an existing operator or bootstrapped from the CLI.
	if role == deal.RoleOperator {
		s.writeError(w, r, fmt.Errorf("%w: operators cannot self-register", deal.ErrUnauthorized))
		return
	}
	party, err := s.directory.Register(r.Context(), identity(r), role, req.Profile)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPartyView(party))
}

func (s *Server) getParty(w http.ResponseWriter, r *http.Request) {
	party, err := s.directory.Profile(r.Context(), chi.URLParam(r, "identity"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPartyView(party))
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := deal.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	party, err := s.directory.AssignRole(r.Context(), identity(r), chi.URLParam(r, "identity"), role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPartyView(party))
}

func (s *Server) listBatch(w http.ResponseWriter, r *http.Request) {
	var req assets.BatchInput
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	batch, err := s.coord.ListBatch(r.Context(), identity(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBatchView(batch))
}

func (s *Server) listBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := assets.BatchFilter{Seller: strings.ToLower(q.Get("seller")), Limit: queryLimit(r)}
	if raw := q.Get("custody"); raw != "" {
		custody := deal.Custody(strings.ToUpper(raw))
		if !custody.Valid() {
			s.writeError(w, r, fmt.Errorf("%w: custody %q", deal.ErrInvalidArgument, raw))
			return
		}
		filter.Status = custody
	}
	batches, err := s.coord.Batches(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]batchView, 0, len(batches))
	for i := range batches {
		out = append(out, newBatchView(&batches[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	batch, err := s.coord.Batch(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBatchView(batch))
}

type createDealRequest struct {
	BatchID               uuid.UUID        `json:"batch_id"`
	SellerAmount          decimal.Decimal  `json:"seller_amount"`
	FreightAmount         *decimal.Decimal `json:"freight_amount,omitempty"`
	PlatformFee           *decimal.Decimal `json:"platform_fee,omitempty"`
	Carrier               string           `json:"carrier,omitempty"`
	SignatureTimeoutHours int              `json:"signature_timeout_hours,omitempty"`
	OriginLabel           string           `json:"origin_label,omitempty"`
	DestinationLabel      string           `json:"destination_label,omitempty"`
	Destination           *pricing.Point   `json:"destination,omitempty"`
	WeightKg              decimal.Decimal  `json:"weight_kg"`
}

func (s *Server) createDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.coord.CreateDeal(r.Context(), identity(r), coordinator.CreateDealInput{
		BatchID:               req.BatchID,
		SellerAmount:          req.SellerAmount,
		FreightAmount:         req.FreightAmount,
		PlatformFee:           req.PlatformFee,
		Carrier:               req.Carrier,
		SignatureTimeoutHours: req.SignatureTimeoutHours,
		OriginLabel:           req.OriginLabel,
		DestinationLabel:      req.DestinationLabel,
		Destination:           req.Destination,
		WeightKg:              req.WeightKg,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.newDealView(d))
}

func (s *Server) listDeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.DealFilter{
		Buyer:   strings.ToLower(q.Get("buyer")),
		Seller:  strings.ToLower(q.Get("seller")),
		Carrier: strings.ToLower(q.Get("carrier")),
		Limit:   queryLimit(r),
	}
	if raw := q.Get("open"); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: open %q", deal.ErrInvalidArgument, raw))
			return
		}
		filter.OpenForCarriers = open
	}
	if raw := q.Get("status"); raw != "" {
		status := deal.Status(strings.ToUpper(raw))
		if !status.Valid() {
			s.writeError(w, r, fmt.Errorf("%w: status %q", deal.ErrInvalidArgument, raw))
			return
		}
		filter.Status = status
	}
	deals, err := s.coord.Deals(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newDealViews(deals))
}

func (s *Server) getDeal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.coord.Deal(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newDealView(d))
}

func (s *Server) getSignatures(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sigs, err := s.coord.Signatures(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]signatureView, 0, len(sigs))
	for _, sig := range sigs {
		out = append(out, signatureView{Role: sig.Role, Identity: sig.Identity, Reference: sig.Reference, CreatedAt: sig.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.coord.Events(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, ev := range events {
		out = append(out, eventView{ID: ev.ID.String(), Type: ev.Type, Actor: ev.Actor, Details: ev.Details, CreatedAt: ev.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type acceptRequest struct {
	FreightAmount *decimal.Decimal `json:"freight_amount,omitempty"`
}

func (s *Server) acceptCarrier(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req acceptRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.coord.AcceptCarrier(r.Context(), identity(r), id, req.FreightAmount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newDealView(d))
}

type referenceRequest struct {
	Reference string `json:"reference"`
}

func (s *Server) sign(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req referenceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.coord.Sign(r.Context(), identity(r), id, req.Reference)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newDealView(d))
}

func (s *Server) recordLock(w http.ResponseWriter, r *http.Request) {
	s.recordEscrow(w, r, "lock", s.coord.RecordLock)
}

func (s *Server) recordPayout(w http.ResponseWriter, r *http.Request) {
	s.recordEscrow(w, r, "payout", s.coord.RecordPayout)
}

type escrowFunc func(ctx context.Context, identity string, dealID uuid.UUID, ref string) (*models.Deal, error)

func (s *Server) recordEscrow(w http.ResponseWriter, r *http.Request, kind string, record escrowFunc) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req referenceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := record(r.Context(), identity(r), id, req.Reference)
	if err != nil {
		s.logger.Warn("escrow "+kind+" rejected",
			slog.String("deal_id", id.String()),
			logging.MaskField("reference", req.Reference),
			slog.Any("error", err))
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newDealView(d))
}

type deadlineRequest struct {
	Hours int `json:"hours"`
}

func (s *Server) extendDeadline(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req deadlineRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.coord.ExtendDeadline(r.Context(), identity(r), id, req.Hours)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newDealView(d))
}

type sweepResponse struct {
	Disputed []string `json:"disputed"`
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	ids, err := s.coord.Sweep(r.Context(), identity(r), s.now().UTC())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := sweepResponse{Disputed: make([]string, 0, len(ids))}
	for _, id := range ids {
		resp.Disputed = append(resp.Disputed, id.String())
	}
	writeJSON(w, http.StatusOK, resp)
}
