// Package api is the thin REST/WebSocket shim (spec §1 Non-goals: the
// HTTP/SSE surface itself is not a spec'd deliverable) that gives the order
// pipeline and internal/events.Hub a concrete external caller. Generalized
// from the teacher's pkg/api/{server.go,websocket.go}: same gorilla/mux
// router plus rs/cors wrapping, same per-connection websocket.Upgrader and
// channel-subscription relay, rehomed from the perp app's market/order
// vocabulary to signed prediction-market orders.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/polyclob/exchange/internal/amount"
	"github.com/polyclob/exchange/internal/domain"
	"github.com/polyclob/exchange/internal/errs"
	"github.com/polyclob/exchange/internal/events"
	"github.com/polyclob/exchange/internal/market"
)

// OrderService is the subset of internal/orders.Service the API submits
// and cancels against.
type OrderService interface {
	Submit(o *domain.SignedOrder) (*domain.OrderBookEntry, []domain.Trade, error)
	Cancel(marketID domain.MarketID, tokenID domain.TokenID, hash domain.OrderHash) error
}

// BookView reports best bid/ask for the orderbook endpoint, implemented by
// internal/matching.Engine.
type BookView interface {
	BestBidAsk(marketID domain.MarketID, tokenID domain.TokenID) (bid, ask amount.Amount, hasBid, hasAsk bool)
}

// BalanceView reports ledger balances for the account endpoint.
type BalanceView interface {
	Balance(addr common.Address, tokenID domain.TokenID) domain.Balance
}

// EventHub subscribes callers to channel broadcasts, implemented by
// internal/events.Hub.
type EventHub interface {
	Subscribe(channel string) *events.Subscription
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the exchange's HTTP/WS front door.
type Server struct {
	orders   OrderService
	book     BookView
	balances BalanceView
	registry *market.Registry
	hub      EventHub
	log      *zap.Logger
	router   *mux.Router
}

// New builds a Server and registers its routes.
func New(orders OrderService, book BookView, balances BalanceView, registry *market.Registry, hub EventHub, log *zap.Logger) *Server {
	s := &Server{
		orders:   orders,
		book:     book,
		balances: balances,
		registry: registry,
		hub:      hub,
		log:      log,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/markets", s.handleListMarkets).Methods("GET")
	v1.HandleFunc("/markets/{marketId}/orderbook", s.handleOrderbook).Methods("GET")
	v1.HandleFunc("/accounts/{address}/balance", s.handleBalance).Methods("GET")
	v1.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	v1.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the CORS-wrapped router, ready to pass to http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

// --- REST handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type marketDTO struct {
	ID         string `json:"marketId"`
	Question   string `json:"question"`
	YesTokenID uint64 `json:"yesTokenId"`
	NoTokenID  uint64 `json:"noTokenId"`
	Status     string `json:"status"`
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.registry.List()
	out := make([]marketDTO, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketDTO{
			ID:         common.Hash(m.ID).Hex(),
			Question:   m.Question,
			YesTokenID: uint64(m.YesTokenID),
			NoTokenID:  uint64(m.NoTokenID),
			Status:     m.Status.String(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

type orderbookDTO struct {
	Bid    string `json:"bid,omitempty"`
	Ask    string `json:"ask,omitempty"`
	HasBid bool   `json:"hasBid"`
	HasAsk bool   `json:"hasAsk"`
}

func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	marketID, tokenID, err := parseMarketTokenQuery(mux.Vars(r)["marketId"], r.URL.Query().Get("tokenId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	bid, ask, hasBid, hasAsk := s.book.BestBidAsk(marketID, tokenID)
	dto := orderbookDTO{HasBid: hasBid, HasAsk: hasAsk}
	if hasBid {
		dto.Bid = bid.String()
	}
	if hasAsk {
		dto.Ask = ask.String()
	}
	respondJSON(w, http.StatusOK, dto)
}

type balanceDTO struct {
	Available string `json:"available"`
	Locked    string `json:"locked"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := common.HexToAddress(mux.Vars(r)["address"])
	tokenID := domain.CollateralTokenID
	if v := r.URL.Query().Get("tokenId"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid tokenId: %w", err))
			return
		}
		tokenID = domain.TokenID(n)
	}
	bal := s.balances.Balance(addr, tokenID)
	respondJSON(w, http.StatusOK, balanceDTO{Available: bal.Available.String(), Locked: bal.Locked.String()})
}

// orderDTO is the wire format for signed-order submission: addresses and
// hashes as 0x-hex, amounts as decimal strings, signature as 0x-hex bytes —
// matching the payload cmd/sign-order prints.
type orderDTO struct {
	Salt         string `json:"salt"`
	Maker        string `json:"maker"`
	Signer       string `json:"signer"`
	Taker        string `json:"taker"`
	MarketID     string `json:"marketId"`
	TokenID      uint64 `json:"tokenId"`
	Side         uint8  `json:"side"`
	MakerAmount  string `json:"makerAmount"`
	TakerAmount  string `json:"takerAmount"`
	Expiration   int64  `json:"expiration"`
	Nonce        uint64 `json:"nonce"`
	FeeRateBps   int64  `json:"feeRateBps"`
	SigType      uint8  `json:"sigType"`
	Signature    string `json:"signature"`
}

func (d orderDTO) toDomain() (*domain.SignedOrder, error) {
	makerAmt, err := amount.FromDecimal(d.MakerAmount)
	if err != nil {
		return nil, fmt.Errorf("makerAmount: %w", err)
	}
	takerAmt, err := amount.FromDecimal(d.TakerAmount)
	if err != nil {
		return nil, fmt.Errorf("takerAmount: %w", err)
	}
	return &domain.SignedOrder{
		Salt:        common.HexToHash(d.Salt),
		Maker:       common.HexToAddress(d.Maker),
		Signer:      common.HexToAddress(d.Signer),
		Taker:       common.HexToAddress(d.Taker),
		MarketID:    domain.MarketID(common.HexToHash(d.MarketID)),
		TokenID:     domain.TokenID(d.TokenID),
		Side:        domain.Side(d.Side),
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		Expiration:  d.Expiration,
		Nonce:       d.Nonce,
		FeeRateBps:  d.FeeRateBps,
		SigType:     domain.SigType(d.SigType),
		Signature:   common.FromHex(d.Signature),
	}, nil
}

type submitResponseDTO struct {
	OrderHash string `json:"orderHash"`
	Status    string `json:"status"`
	TradeCount int    `json:"tradeCount"`
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var dto orderDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode order: %w", err))
		return
	}
	o, err := dto.toDomain()
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	entry, trades, err := s.orders.Submit(o)
	if err != nil {
		respondErrKind(w, err)
		return
	}
	respondJSON(w, http.StatusOK, submitResponseDTO{
		OrderHash:  entry.ID.Hex(),
		Status:     entry.Status.String(),
		TradeCount: len(trades),
	})
}

type cancelRequestDTO struct {
	MarketID string `json:"marketId"`
	TokenID  uint64 `json:"tokenId"`
	OrderHash string `json:"orderHash"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var dto cancelRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode cancel request: %w", err))
		return
	}
	var hash domain.OrderHash
	copy(hash[:], common.FromHex(dto.OrderHash))
	marketID := domain.MarketID(common.HexToHash(dto.MarketID))
	if err := s.orders.Cancel(marketID, domain.TokenID(dto.TokenID), hash); err != nil {
		respondErrKind(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func parseMarketTokenQuery(marketHex, tokenStr string) (domain.MarketID, domain.TokenID, error) {
	marketID := domain.MarketID(common.HexToHash(marketHex))
	if tokenStr == "" {
		return marketID, 0, fmt.Errorf("missing tokenId query parameter")
	}
	n, err := strconv.ParseUint(tokenStr, 10, 64)
	if err != nil {
		return marketID, 0, fmt.Errorf("invalid tokenId: %w", err)
	}
	return marketID, domain.TokenID(n), nil
}

// --- WebSocket relay ---

// subscribeMessage is the client's initial {"subscribe":"channel"} frame.
type subscribeMessage struct {
	Subscribe string `json:"subscribe"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var msg subscribeMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Subscribe == "" {
		return
	}
	sub := s.hub.Subscribe(msg.Subscribe)
	defer sub.Close()

	conn.SetReadDeadline(time.Time{})
	go drainClientReads(conn)

	for ev := range sub.C {
		if err := conn.WriteJSON(map[string]interface{}{"channel": ev.Channel, "data": ev.Data}); err != nil {
			return
		}
	}
}

// drainClientReads discards inbound frames (pings, stray client writes) so
// gorilla/websocket's read loop notices a closed connection promptly.
func drainClientReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// --- response helpers ---

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

// respondErrKind maps an errs.E kind to an HTTP status, falling back to 500
// for errors outside the tagged kind surface.
func respondErrKind(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var e *errs.E
	if castErr, ok := err.(*errs.E); ok {
		e = castErr
		switch e.Kind {
		case errs.BadRequest, errs.InvalidSignature, errs.Expired, errs.StaleNonce,
			errs.Duplicate, errs.SelfMatch, errs.InsufficientBalance, errs.SizeExceeded,
			errs.ExposureExceeded, errs.NotInTree:
			status = http.StatusBadRequest
		case errs.RateLimited:
			status = http.StatusTooManyRequests
		case errs.MarketPaused:
			status = http.StatusServiceUnavailable
		case errs.RpcTimeout, errs.RpcFailure:
			status = http.StatusBadGateway
		}
	}
	respondError(w, status, err)
}
