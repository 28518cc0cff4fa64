// Package handler содержит HTTP-обработчики API лотерейного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/lottery-system/internal/middleware"
	"github.com/mmeshcher/lottery-system/internal/model"
	"github.com/mmeshcher/lottery-system/internal/repository"
	"github.com/mmeshcher/lottery-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AdminUserID() int64
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	AdjustWallet(ctx context.Context, userID int64, sumCents int64) (int64, error)
	CreateDraw(ctx context.Context, date time.Time) (*model.Draw, error)
	GetDraw(ctx context.Context, drawID int64) (*model.Draw, error)
	GetCurrentDraw(ctx context.Context) (*model.Draw, error)
	PurchaseTicket(ctx context.Context, userID, drawID int64) (*model.Ticket, error)
	GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error)
	LockDraw(ctx context.Context, drawID int64) error
	SettleDraw(ctx context.Context, drawID int64) (*model.SettlementResult, error)
	RollForwardDraw(ctx context.Context, fromID, toID int64) (int64, error)
	CreateLobby(ctx context.Context, hostUserID, maxParticipants int64) (*model.Lobby, error)
	JoinLobbyByCode(ctx context.Context, joinCode string, userID int64) (*model.Lobby, error)
	GetLobby(ctx context.Context, lobbyID int64) (*model.Lobby, error)
	GetLobbyMembers(ctx context.Context, lobbyID int64) ([]model.LobbyMember, error)
	SeedLobbyPot(ctx context.Context, lobbyID, hostUserID int64, sumCents int64) (int64, error)
	TriggerLobbyDraw(ctx context.Context, lobbyID, hostUserID int64) (*model.SettlementResult, error)
}

// Handler реализует HTTP-обработчики API лотерейного сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// writeDomainError отображает доменные ошибки в HTTP-статусы. Тело
// содержит конкретную причину отказа: вызывающая сторона должна
// отличать нехватку средств от закрытого розыгрыша.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrDuplicateTicket),
		errors.Is(err, repository.ErrDrawClosed),
		errors.Is(err, repository.ErrAlreadyLocked),
		errors.Is(err, repository.ErrDrawNotLocked),
		errors.Is(err, repository.ErrDrawNotEmpty),
		errors.Is(err, repository.ErrSameDraw),
		errors.Is(err, repository.ErrNoEntries),
		errors.Is(err, repository.ErrLobbyLocked),
		errors.Is(err, repository.ErrLobbyFull),
		errors.Is(err, repository.ErrAlreadyJoined),
		errors.Is(err, repository.ErrMinParticipants),
		errors.Is(err, repository.ErrPotNotFunded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrNotHost):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, repository.ErrDrawNotFound),
		errors.Is(err, repository.ErrLobbyNotFound),
		errors.Is(err, repository.ErrWalletNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrCommitmentMismatch):
		// Фатальное нарушение целостности: наружу без деталей, внутрь — с тревогой.
		h.logger.Error("commitment mismatch, settlement halted", zap.String("op", op), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

func sumToCents(sum float64) int64 {
	return int64(math.Round(sum * 100))
}

// requireAdmin пропускает только запросы учётной записи оператора.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.GetUserIDFromContext(r.Context())
		if !ok || userID != h.service.AdminUserID() {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetBalance возвращает баланс кошелька текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err, "get balance")
		return
	}

	writeJSON(w, balance)
}

type ledgerEntryResponse struct {
	Kind        string  `json:"kind"`
	Sum         float64 `json:"sum"`
	Balance     float64 `json:"balance"`
	Metadata    string  `json:"metadata,omitempty"`
	ProcessedAt string  `json:"processed_at"`
}

// GetLedger возвращает журнал движений средств текущего пользователя.
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	entries, err := h.service.GetLedgerByUser(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err, "get ledger")
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			Kind:        string(e.Kind),
			Sum:         float64(e.AmountCents) / 100,
			Balance:     float64(e.BalanceCents) / 100,
			Metadata:    e.Metadata,
			ProcessedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

type drawResponse struct {
	ID              int64   `json:"id"`
	Date            string  `json:"date"`
	Status          string  `json:"status"`
	PrizePool       float64 `json:"prize_pool"`
	TotalEntries    int64   `json:"total_entries"`
	CommitmentHash  string  `json:"commitment_hash"`
	Seed            string  `json:"seed,omitempty"`
	WinningPosition *int64  `json:"winning_position,omitempty"`
	DrawnAt         string  `json:"drawn_at,omitempty"`
}

func toDrawResponse(d *model.Draw) drawResponse {
	resp := drawResponse{
		ID:              d.ID,
		Date:            d.Date.Format("2006-01-02"),
		Status:          string(d.Status),
		PrizePool:       float64(d.PrizePoolCents) / 100,
		TotalEntries:    d.TotalEntries,
		CommitmentHash:  d.CommitmentHash,
		Seed:            d.Seed,
		WinningPosition: d.WinningPosition,
	}
	if d.DrawnAt != nil {
		resp.DrawnAt = d.DrawnAt.Format(time.RFC3339)
	}
	return resp
}

// GetDraw возвращает публичное состояние розыгрыша. Пока розыгрыш не
// проведён, наружу уходит только хеш-обязательство; после проведения —
// раскрытый сид и позиция победителя для независимой проверки.
func (h *Handler) GetDraw(w http.ResponseWriter, r *http.Request) {
	drawID, ok := pathID(r, "drawID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.GetDraw(r.Context(), drawID)
	if err != nil {
		h.writeDomainError(w, err, "get draw")
		return
	}

	writeJSON(w, toDrawResponse(d))
}

// GetCurrentDraw возвращает ближайший открытый розыгрыш.
func (h *Handler) GetCurrentDraw(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.GetCurrentDraw(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "get current draw")
		return
	}

	writeJSON(w, toDrawResponse(d))
}

type ticketResponse struct {
	ID          int64    `json:"id"`
	DrawID      int64    `json:"draw_id"`
	Position    int64    `json:"position"`
	Status      string   `json:"status"`
	TicketHash  string   `json:"ticket_hash"`
	Prize       *float64 `json:"prize,omitempty"`
	PurchasedAt string   `json:"purchased_at"`
}

func toTicketResponse(t *model.Ticket) ticketResponse {
	resp := ticketResponse{
		ID:          t.ID,
		DrawID:      t.DrawID,
		Position:    t.Position,
		Status:      string(t.Status),
		TicketHash:  t.TicketHash,
		PurchasedAt: t.PurchasedAt.Format(time.RFC3339),
	}
	if t.PrizeCents != nil {
		v := float64(*t.PrizeCents) / 100
		resp.Prize = &v
	}
	return resp
}

// PurchaseTicket продаёт текущему пользователю один билет в указанный розыгрыш.
func (h *Handler) PurchaseTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	drawID, ok := pathID(r, "drawID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	t, err := h.service.PurchaseTicket(r.Context(), userID, drawID)
	if err != nil {
		h.writeDomainError(w, err, "purchase ticket")
		return
	}

	writeJSONStatus(w, http.StatusCreated, toTicketResponse(t))
}

// GetTickets возвращает билеты текущего пользователя.
func (h *Handler) GetTickets(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	tickets, err := h.service.GetTicketsByUser(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, err, "get tickets")
		return
	}

	if len(tickets) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]ticketResponse, 0, len(tickets))
	for i := range tickets {
		resp = append(resp, toTicketResponse(&tickets[i]))
	}

	writeJSON(w, resp)
}

type createDrawRequest struct {
	Date string `json:"date"`
}

// CreateDraw создаёт розыгрыш на указанную дату (операция оператора).
func (h *Handler) CreateDraw(w http.ResponseWriter, r *http.Request) {
	var req createDrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	d, err := h.service.CreateDraw(r.Context(), date)
	if err != nil {
		h.writeDomainError(w, err, "create draw")
		return
	}

	writeJSONStatus(w, http.StatusCreated, toDrawResponse(d))
}

// LockDraw останавливает продажу билетов (вызов внешнего планировщика или оператора).
func (h *Handler) LockDraw(w http.ResponseWriter, r *http.Request) {
	drawID, ok := pathID(r, "drawID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.LockDraw(r.Context(), drawID); err != nil {
		h.writeDomainError(w, err, "lock draw")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type settlementResponse struct {
	WinnerUserID    int64   `json:"winner_user_id"`
	WinnerAmount    float64 `json:"winner_amount"`
	AdminFee        float64 `json:"admin_fee"`
	Seed            string  `json:"seed"`
	CommitmentHash  string  `json:"commitment_hash"`
	WinningPosition int64   `json:"winning_position"`
	TotalEntries    int64   `json:"total_entries"`
}

func toSettlementResponse(res *model.SettlementResult) settlementResponse {
	return settlementResponse{
		WinnerUserID:    res.WinnerUserID,
		WinnerAmount:    float64(res.WinnerCents) / 100,
		AdminFee:        float64(res.AdminFeeCents) / 100,
		Seed:            res.Seed,
		CommitmentHash:  res.CommitmentHash,
		WinningPosition: res.WinningPosition,
		TotalEntries:    res.TotalEntries,
	}
}

// SettleDraw проводит заблокированный розыгрыш и возвращает раскрытые
// данные для независимой проверки результата.
func (h *Handler) SettleDraw(w http.ResponseWriter, r *http.Request) {
	drawID, ok := pathID(r, "drawID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.SettleDraw(r.Context(), drawID)
	if err != nil {
		h.writeDomainError(w, err, "settle draw")
		return
	}

	writeJSON(w, toSettlementResponse(res))
}

type rollForwardRequest struct {
	ToDrawID int64 `json:"to_draw_id"`
}

// RollForwardDraw переносит пул пустого заблокированного розыгрыша в другой открытый.
func (h *Handler) RollForwardDraw(w http.ResponseWriter, r *http.Request) {
	drawID, ok := pathID(r, "drawID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req rollForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToDrawID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	moved, err := h.service.RollForwardDraw(r.Context(), drawID, req.ToDrawID)
	if err != nil {
		h.writeDomainError(w, err, "roll forward draw")
		return
	}

	writeJSON(w, map[string]float64{"moved": float64(moved) / 100})
}

type adjustWalletRequest struct {
	Sum float64 `json:"sum"`
}

// AdjustWallet пополняет или списывает кошелёк пользователя (операция оператора).
func (h *Handler) AdjustWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req adjustWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sum == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	newBalance, err := h.service.AdjustWallet(r.Context(), userID, sumToCents(req.Sum))
	if err != nil {
		h.writeDomainError(w, err, "adjust wallet")
		return
	}

	writeJSON(w, map[string]float64{"balance": float64(newBalance) / 100})
}

type lobbyResponse struct {
	ID              int64   `json:"id"`
	JoinCode        string  `json:"join_code"`
	HostUserID      int64   `json:"host_user_id"`
	Pot             float64 `json:"pot"`
	Status          string  `json:"status"`
	CommitmentHash  string  `json:"commitment_hash"`
	Seed            string  `json:"seed,omitempty"`
	WinningPosition *int64  `json:"winning_position,omitempty"`
	MaxParticipants int64   `json:"max_participants"`
}

func toLobbyResponse(l *model.Lobby) lobbyResponse {
	return lobbyResponse{
		ID:              l.ID,
		JoinCode:        l.JoinCode,
		HostUserID:      l.HostUserID,
		Pot:             float64(l.PotCents) / 100,
		Status:          string(l.Status),
		CommitmentHash:  l.CommitmentHash,
		Seed:            l.Seed,
		WinningPosition: l.WinningPosition,
		MaxParticipants: l.MaxParticipants,
	}
}

type createLobbyRequest struct {
	MaxParticipants int64 `json:"max_participants"`
}

// CreateLobby создаёт приватное лобби, хостом становится текущий пользователь.
func (h *Handler) CreateLobby(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MaxParticipants < 2 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	l, err := h.service.CreateLobby(r.Context(), userID, req.MaxParticipants)
	if err != nil {
		h.writeDomainError(w, err, "create lobby")
		return
	}

	writeJSONStatus(w, http.StatusCreated, toLobbyResponse(l))
}

type joinLobbyRequest struct {
	JoinCode string `json:"join_code"`
}

// JoinLobby добавляет текущего пользователя в лобби по коду приглашения.
func (h *Handler) JoinLobby(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req joinLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidJoinCode(req.JoinCode) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	l, err := h.service.JoinLobbyByCode(r.Context(), req.JoinCode, userID)
	if err != nil {
		h.writeDomainError(w, err, "join lobby")
		return
	}

	writeJSON(w, toLobbyResponse(l))
}

// GetLobby возвращает публичное состояние лобби.
func (h *Handler) GetLobby(w http.ResponseWriter, r *http.Request) {
	lobbyID, ok := pathID(r, "lobbyID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	l, err := h.service.GetLobby(r.Context(), lobbyID)
	if err != nil {
		h.writeDomainError(w, err, "get lobby")
		return
	}

	writeJSON(w, toLobbyResponse(l))
}

type lobbyMemberResponse struct {
	UserID   int64  `json:"user_id"`
	JoinedAt string `json:"joined_at"`
}

// GetLobbyMembers возвращает участников лобби в порядке вступления.
func (h *Handler) GetLobbyMembers(w http.ResponseWriter, r *http.Request) {
	lobbyID, ok := pathID(r, "lobbyID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	members, err := h.service.GetLobbyMembers(r.Context(), lobbyID)
	if err != nil {
		h.writeDomainError(w, err, "get lobby members")
		return
	}

	resp := make([]lobbyMemberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, lobbyMemberResponse{
			UserID:   m.UserID,
			JoinedAt: m.JoinedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, resp)
}

type seedPotRequest struct {
	Sum float64 `json:"sum"`
}

// SeedLobbyPot пополняет призовой фонд лобби из кошелька хоста.
func (h *Handler) SeedLobbyPot(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	lobbyID, ok := pathID(r, "lobbyID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req seedPotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sum <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	newPot, err := h.service.SeedLobbyPot(r.Context(), lobbyID, userID, sumToCents(req.Sum))
	if err != nil {
		h.writeDomainError(w, err, "seed lobby pot")
		return
	}

	writeJSON(w, map[string]float64{"pot": float64(newPot) / 100})
}

// TriggerLobbyDraw проводит розыгрыш лобби по требованию его хоста.
func (h *Handler) TriggerLobbyDraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	lobbyID, ok := pathID(r, "lobbyID")
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.TriggerLobbyDraw(r.Context(), lobbyID, userID)
	if err != nil {
		h.writeDomainError(w, err, "trigger lobby draw")
		return
	}

	writeJSON(w, toSettlementResponse(res))
}
