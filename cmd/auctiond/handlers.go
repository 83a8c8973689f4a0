package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/leadauction/auction"
	"github.com/cloudx-io/leadauction/autobid"
	"github.com/cloudx-io/leadauction/core"
	"github.com/cloudx-io/leadauction/events"
	"github.com/cloudx-io/leadauction/ledger"
	"github.com/cloudx-io/leadauction/oracle"
	"github.com/cloudx-io/leadauction/store"
)

type server struct {
	store    store.Store
	auctions *auction.Service
	engine   *autobid.Engine
	floors   *oracle.Adapter
	ledger   *ledger.Service
	events   *events.Publisher

	biddingWindow time.Duration
	revealWindow  time.Duration
}

func (s *server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Post("/leads", s.handleCreateLead)
	r.Get("/leads/{leadID}", s.handleGetLead)
	r.Post("/leads/{leadID}/auction", s.handleOpenRoom)
	r.Post("/leads/{leadID}/evaluate", s.handleEvaluateLead)
	r.Post("/leads/{leadID}/bids", s.handleSubmitBid)

	r.Post("/bids/{bidID}/reveal", s.handleRevealBid)

	r.Get("/rooms/{roomID}", s.handleGetRoom)
	r.Post("/rooms/{roomID}/resolve", s.handleResolveRoom)

	r.Get("/floors", s.handleFloorQuote)

	r.Post("/preference-sets", s.handlePutPreferenceSet)

	r.Get("/accounts/{accountID}/balance", s.handleGetBalance)
	r.Post("/accounts/{accountID}/deposit", s.handleDeposit)
	r.Post("/accounts/{accountID}/withdraw", s.handleWithdraw)
	r.Post("/accounts/{accountID}/reconcile", s.handleReconcileAccount)
	r.Post("/reconcile", s.handleReconcileAll)

	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createLeadRequest struct {
	SellerID     uuid.UUID      `json:"seller_id"`
	Category     string         `json:"category"`
	Country      string         `json:"country"`
	State        string         `json:"state"`
	Source       string         `json:"source"`
	Attributes   map[string]any `json:"attributes"`
	ReservePrice float64        `json:"reserve_price"`
	Verified     bool           `json:"verified"`
	OffSite      bool           `json:"off_site"`
	QualityScore int            `json:"quality_score"`
}

func (s *server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	var req createLeadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Category == "" || req.Country == "" {
		writeError(w, http.StatusBadRequest, "category and country are required")
		return
	}
	lead := &core.Lead{
		ID:           uuid.New(),
		SellerID:     req.SellerID,
		Category:     req.Category,
		Country:      req.Country,
		State:        req.State,
		Source:       req.Source,
		Attributes:   req.Attributes,
		ReservePrice: req.ReservePrice,
		Verified:     req.Verified,
		OffSite:      req.OffSite,
		QualityScore: req.QualityScore,
		Status:       core.LeadPendingAuction,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.PutLead(r.Context(), lead); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.events != nil {
		event := events.LeadEvent{LeadID: lead.ID.String()}
		if err := s.events.Publish(r.Context(), events.KeyLeadCreated, event); err != nil {
			log.Printf("WARNING: Failed to publish lead.created for %s: %v", lead.ID, err)
		}
	}
	writeJSON(w, http.StatusCreated, lead)
}

func (s *server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	leadID, ok := parseID(w, r, "leadID")
	if !ok {
		return
	}
	lead, err := s.store.GetLead(r.Context(), leadID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (s *server) handleOpenRoom(w http.ResponseWriter, r *http.Request) {
	leadID, ok := parseID(w, r, "leadID")
	if !ok {
		return
	}
	room, err := s.auctions.OpenRoom(r.Context(), leadID, s.biddingWindow, s.revealWindow)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *server) handleEvaluateLead(w http.ResponseWriter, r *http.Request) {
	leadID, ok := parseID(w, r, "leadID")
	if !ok {
		return
	}
	eval, err := s.evaluateLead(r.Context(), leadID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// evaluateLead opens the auction room for a pending lead, then runs the
// auto-bid engine over it. Also the entry point for consumed lead events.
func (s *server) evaluateLead(ctx context.Context, leadID uuid.UUID) (*autobid.Evaluation, error) {
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if lead.Status == core.LeadPendingAuction {
		if _, err := s.auctions.OpenRoom(ctx, leadID, s.biddingWindow, s.revealWindow); err != nil {
			return nil, err
		}
		if lead, err = s.store.GetLead(ctx, leadID); err != nil {
			return nil, err
		}
	}
	return s.engine.EvaluateLead(ctx, lead)
}

type submitBidRequest struct {
	BuyerID    uuid.UUID `json:"buyer_id"`
	Commitment string    `json:"commitment"`
}

func (s *server) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	leadID, ok := parseID(w, r, "leadID")
	if !ok {
		return
	}
	var req submitBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BuyerID == uuid.Nil || req.Commitment == "" {
		writeError(w, http.StatusBadRequest, "buyer_id and commitment are required")
		return
	}
	// Manual bidders keep their salt private until reveal.
	bid, err := s.auctions.SubmitCommitment(r.Context(), leadID, req.BuyerID, req.Commitment, "", core.SourceManual)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

type revealBidRequest struct {
	Amount float64 `json:"amount"`
	Salt   string  `json:"salt"`
}

func (s *server) handleRevealBid(w http.ResponseWriter, r *http.Request) {
	bidID, ok := parseID(w, r, "bidID")
	if !ok {
		return
	}
	var req revealBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bid, err := s.auctions.RevealBid(r.Context(), bidID, req.Amount, req.Salt)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bid)
}

func (s *server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseID(w, r, "roomID")
	if !ok {
		return
	}
	room, err := s.store.GetRoom(r.Context(), roomID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *server) handleResolveRoom(w http.ResponseWriter, r *http.Request) {
	roomID, ok := parseID(w, r, "roomID")
	if !ok {
		return
	}
	result, err := s.auctions.Resolve(r.Context(), roomID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleFloorQuote(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	country := r.URL.Query().Get("country")
	if category == "" || country == "" {
		writeError(w, http.StatusBadRequest, "category and country are required")
		return
	}
	writeJSON(w, http.StatusOK, s.floors.GetBidFloor(r.Context(), category, country))
}

func (s *server) handlePutPreferenceSet(w http.ResponseWriter, r *http.Request) {
	var set core.PreferenceSet
	if err := json.NewDecoder(r.Body).Decode(&set); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if set.BuyerID == uuid.Nil || set.Category == "" || set.BidAmount <= 0 {
		writeError(w, http.StatusBadRequest, "buyer_id, category, and a positive bid_amount are required")
		return
	}
	if set.ID == uuid.Nil {
		set.ID = uuid.New()
	}
	for i := range set.Rules {
		if set.Rules[i].ID == uuid.Nil {
			set.Rules[i].ID = uuid.New()
		}
		set.Rules[i].SetID = set.ID
	}
	if err := s.store.PutPreferenceSet(r.Context(), &set); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseID(w, r, "accountID")
	if !ok {
		return
	}
	bal, err := s.store.GetCachedBalance(r.Context(), accountID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (s *server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceMutation(w, r, s.ledger.Deposit)
}

func (s *server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleBalanceMutation(w, r, s.ledger.Withdraw)
}

func (s *server) handleBalanceMutation(w http.ResponseWriter, r *http.Request,
	mutate func(context.Context, uuid.UUID, decimal.Decimal) (*store.CachedBalance, error)) {
	accountID, ok := parseID(w, r, "accountID")
	if !ok {
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	bal, err := mutate(r.Context(), accountID, req.Amount)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *server) handleReconcileAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := parseID(w, r, "accountID")
	if !ok {
		return
	}
	result, err := s.ledger.ReconcileAccount(r.Context(), accountID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.ReconcileAll(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps domain and store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateBid),
		errors.Is(err, store.ErrRoomActive),
		errors.Is(err, auction.ErrBiddingClosed),
		errors.Is(err, auction.ErrRevealNotOpen),
		errors.Is(err, auction.ErrPhaseRegression),
		errors.Is(err, autobid.ErrNotInAuction):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auction.ErrRevealMismatch),
		errors.Is(err, ledger.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Printf("ERROR: Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
