package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/stockex/pkg/app/core/engine"
	"github.com/uhyunpark/stockex/pkg/app/core/ledger"
	"github.com/uhyunpark/stockex/pkg/app/core/order"
	"github.com/uhyunpark/stockex/pkg/app/core/orderbook"
	"github.com/uhyunpark/stockex/pkg/app/exchange"
)

// Server handles REST API and WebSocket connections
type Server struct {
	app     *exchange.App
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	origins []string
}

func NewServer(app *exchange.App, log *zap.SugaredLogger, corsOrigins []string) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		app:     app,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
		origins: corsOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/estimate", s.handleEstimate).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/users/{owner}/orders", s.handleOwnerOrders).Methods("GET")

	// Instruments
	api.HandleFunc("/instruments", s.handleListInstruments).Methods("GET")
	api.HandleFunc("/instruments/{instrument}/orders", s.handleInstrumentOrders).Methods("GET")
	api.HandleFunc("/instruments/{instrument}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/instruments/{instrument}/sweep", s.handleSweep).Methods("POST")

	// Balances (served only when this process keeps the ledger)
	api.HandleFunc("/balances", s.handleListBalances).Methods("GET")
	api.HandleFunc("/balances/{owner}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/balances/{owner}/adjust", s.handleAdjustBalance).Methods("POST")
	api.HandleFunc("/balances/{owner}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/balances/{owner}/withdraw", s.handleWithdraw).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves HTTP and the WebSocket hub until ctx is done, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var d order.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	res, err := s.app.Submit(r.Context(), d)
	if res == nil {
		s.fail(w, "submit order", err)
		return
	}

	resp := SubmitOrderResponse{
		ExecutionInfo: toExecutionInfo(res.Execution),
		Triggered:     toExecutionInfos(res.Triggered),
	}
	if resp.Triggered == nil {
		resp.Triggered = []ExecutionInfo{}
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
		resp.Message = err.Error()
		var se *engine.SettlementError
		if errors.As(err, &se) {
			for _, f := range se.Failed {
				resp.Unsettled = append(resp.Unsettled, f.Adjustment)
			}
		}
		if status >= http.StatusInternalServerError {
			s.log.Errorw("submit_order_failed", "order", res.Order.ID, "err", err)
		}
	}
	respondJSONStatus(w, status, resp)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.app.ListOrders(r.Context())
	if err != nil {
		s.fail(w, "list orders", err)
		return
	}
	respondJSON(w, nonNil(orders))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.app.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, "get order", err)
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	canceled, triggered, err := s.app.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil && canceled.ID == "" {
		s.fail(w, "cancel order", err)
		return
	}
	resp := CancelOrderResponse{Canceled: canceled, Triggered: toExecutionInfos(triggered)}
	if err != nil {
		s.log.Errorw("cancel_follow_up_failed", "order", canceled.ID, "err", err)
		respondJSONStatus(w, statusFor(err), resp)
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var d order.Descriptor
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	v, err := s.app.Estimate(r.Context(), d)
	if err != nil {
		s.fail(w, "estimate order", err)
		return
	}
	respondJSON(w, EstimateResponse{Estimate: v})
}

func (s *Server) handleOwnerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.app.OrdersForOwner(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		s.fail(w, "list owner orders", err)
		return
	}
	respondJSON(w, nonNil(orders))
}

// ==============================
// Instrument Handlers
// ==============================

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.app.Instruments(r.Context())
	if err != nil {
		s.fail(w, "list instruments", err)
		return
	}
	if instruments == nil {
		instruments = []string{}
	}
	respondJSON(w, instruments)
}

// handleInstrumentOrders returns the priority-sorted book of one side.
func (s *Server) handleInstrumentOrders(w http.ResponseWriter, r *http.Request) {
	side, err := order.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	orders, err := s.app.OrdersOn(r.Context(), mux.Vars(r)["instrument"], side)
	if err != nil {
		s.fail(w, "list book orders", err)
		return
	}
	respondJSON(w, nonNil(orders))
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	depth, err := s.app.Depth(r.Context(), mux.Vars(r)["instrument"])
	if err != nil {
		s.fail(w, "get book", err)
		return
	}
	respondJSON(w, toBookSnapshot(depth, time.Now()))
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	fired, err := s.app.Sweep(r.Context(), instrument)
	resp := SweepResponse{Instrument: instrument, Triggered: toExecutionInfos(fired)}
	if err != nil {
		s.log.Errorw("sweep_failed", "instrument", instrument, "err", err)
		respondJSONStatus(w, statusFor(err), resp)
		return
	}
	respondJSON(w, resp)
}

// ==============================
// Balance Handlers
// ==============================

func (s *Server) handleListBalances(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.app.ListAccounts(r.Context())
	if err != nil {
		s.fail(w, "list balances", err)
		return
	}
	if accounts == nil {
		accounts = []ledger.Account{}
	}
	respondJSON(w, accounts)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	acc, err := s.app.GetAccount(r.Context(), mux.Vars(r)["owner"])
	if err != nil {
		s.fail(w, "get balance", err)
		return
	}
	respondJSON(w, acc)
}

// handleAdjustBalance is the remote side of ledger.HTTPLedger.
func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req ledger.AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	s.applyAmount(w, r, req.Amount, s.app.AdjustBalance)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	s.applyAmount(w, r, req.Amount, s.app.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	s.applyAmount(w, r, req.Amount, s.app.Withdraw)
}

func (s *Server) applyAmount(w http.ResponseWriter, r *http.Request, amount decimal.Decimal, apply func(context.Context, string, decimal.Decimal) error) {
	owner := mux.Vars(r)["owner"]
	if err := apply(r.Context(), owner, amount); err != nil {
		s.fail(w, "update balance", err)
		return
	}
	acc, err := s.app.GetAccount(r.Context(), owner)
	if err != nil {
		s.fail(w, "get balance", err)
		return
	}
	respondJSON(w, acc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:        "ok",
		LocalLedger:   s.app.LocalLedger(),
		DroppedTrades: s.app.DroppedTrades(),
	})
}

// ==============================
// Broadcast Methods (wired to the exchange App)
// ==============================

// BroadcastTrade publishes a trade on trades:{instrument}.
func (s *Server) BroadcastTrade(t order.Trade) {
	s.hub.BroadcastToChannel("trades:"+t.Instrument, TradeUpdate{
		Type:         "trade",
		Instrument:   t.Instrument,
		Price:        t.Price,
		Size:         t.Quantity,
		Side:         t.TakerSide.String(),
		TakerOrderID: t.TakerOrderID,
		MakerOrderID: t.MakerOrderID,
		Timestamp:    t.Timestamp.UnixMilli(),
	})
}

// BroadcastBook publishes a depth snapshot on book:{instrument}.
func (s *Server) BroadcastBook(d orderbook.Depth) {
	s.hub.BroadcastToChannel("book:"+d.Instrument, BookUpdate{
		Type:         "book",
		BookSnapshot: toBookSnapshot(d, time.Now()),
	})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrInvalidOrder), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, order.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrSettlement):
		return http.StatusBadGateway
	case errors.Is(err, exchange.ErrNoLocalLedger):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, what string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "op", what, "err", err)
	}
	respondError(w, status, what+" failed", err.Error())
}

func nonNil(orders []order.Order) []order.Order {
	if orders == nil {
		return []order.Order{}
	}
	return orders
}

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
