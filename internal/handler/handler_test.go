package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/lottery-system/internal/middleware"
	"github.com/mmeshcher/lottery-system/internal/model"
	"github.com/mmeshcher/lottery-system/internal/repository"
)

type stubService struct {
	adminUserID int64

	balanceResp *model.Balance
	balanceErr  error

	ledgerResp []model.LedgerEntry
	ledgerErr  error

	drawResp *model.Draw
	drawErr  error

	ticketResp *model.Ticket
	ticketErr  error

	ticketsResp []model.Ticket
	ticketsErr  error

	lockErr error

	rollMoved int64
	rollErr   error

	settleResp *model.SettlementResult
	settleErr  error

	lobbyResp *model.Lobby
	lobbyErr  error
}

func (s *stubService) AdminUserID() int64 { return s.adminUserID }

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.ledgerResp, s.ledgerErr
}

func (s *stubService) AdjustWallet(ctx context.Context, userID int64, sumCents int64) (int64, error) {
	return sumCents, nil
}

func (s *stubService) CreateDraw(ctx context.Context, date time.Time) (*model.Draw, error) {
	return s.drawResp, s.drawErr
}

func (s *stubService) GetDraw(ctx context.Context, drawID int64) (*model.Draw, error) {
	return s.drawResp, s.drawErr
}

func (s *stubService) GetCurrentDraw(ctx context.Context) (*model.Draw, error) {
	return s.drawResp, s.drawErr
}

func (s *stubService) PurchaseTicket(ctx context.Context, userID, drawID int64) (*model.Ticket, error) {
	return s.ticketResp, s.ticketErr
}

func (s *stubService) GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	return s.ticketsResp, s.ticketsErr
}

func (s *stubService) LockDraw(ctx context.Context, drawID int64) error { return s.lockErr }

func (s *stubService) SettleDraw(ctx context.Context, drawID int64) (*model.SettlementResult, error) {
	return s.settleResp, s.settleErr
}

func (s *stubService) RollForwardDraw(ctx context.Context, fromID, toID int64) (int64, error) {
	return s.rollMoved, s.rollErr
}

func (s *stubService) CreateLobby(ctx context.Context, hostUserID, maxParticipants int64) (*model.Lobby, error) {
	return s.lobbyResp, s.lobbyErr
}

func (s *stubService) JoinLobbyByCode(ctx context.Context, joinCode string, userID int64) (*model.Lobby, error) {
	return s.lobbyResp, s.lobbyErr
}

func (s *stubService) GetLobby(ctx context.Context, lobbyID int64) (*model.Lobby, error) {
	return s.lobbyResp, s.lobbyErr
}

func (s *stubService) GetLobbyMembers(ctx context.Context, lobbyID int64) ([]model.LobbyMember, error) {
	return nil, nil
}

func (s *stubService) SeedLobbyPot(ctx context.Context, lobbyID, hostUserID int64, sumCents int64) (int64, error) {
	return sumCents, nil
}

func (s *stubService) TriggerLobbyDraw(ctx context.Context, lobbyID, hostUserID int64) (*model.SettlementResult, error) {
	return s.settleResp, s.settleErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

// authRequest выполняет запрос через полный роутер от имени userID.
func authRequest(t *testing.T, h *Handler, userID int64, method, target string, body []byte) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)

	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, userID)
	req.AddCookie(cookieRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec.Result()
}

func TestPurchaseTicket_Success(t *testing.T) {
	svc := &stubService{
		ticketResp: &model.Ticket{
			ID: 5, DrawID: 1, UserID: 7, Position: 3,
			Status:      model.TicketStatusActive,
			TicketHash:  "abc123",
			PurchasedAt: time.Now().UTC(),
		},
	}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 7, http.MethodPost, "/api/draws/1/tickets", nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp ticketResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Position != 3 || resp.TicketHash != "abc123" {
		t.Fatalf("unexpected ticket response: %+v", resp)
	}
}

func TestPurchaseTicket_InsufficientBalance(t *testing.T) {
	svc := &stubService{ticketErr: repository.ErrInsufficientBalance}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 7, http.MethodPost, "/api/draws/1/tickets", nil)
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
}

func TestPurchaseTicket_Duplicate(t *testing.T) {
	svc := &stubService{ticketErr: repository.ErrDuplicateTicket}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 7, http.MethodPost, "/api/draws/1/tickets", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestPurchaseTicket_DrawClosed(t *testing.T) {
	svc := &stubService{ticketErr: repository.ErrDrawClosed}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 7, http.MethodPost, "/api/draws/1/tickets", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestPurchaseTicket_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/draws/1/tickets", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestGetDraw_PublicWithoutAuth(t *testing.T) {
	svc := &stubService{
		drawResp: &model.Draw{
			ID: 1, Date: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			Status: model.DrawStatusOpen, CommitmentHash: "c0ffee",
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/draws/1", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp drawResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CommitmentHash != "c0ffee" {
		t.Fatalf("commitment must be public, got %+v", resp)
	}
	if resp.Seed != "" {
		t.Fatalf("seed must not leak for open draw")
	}
}

func TestGetLedger_NoContent(t *testing.T) {
	svc := &stubService{ledgerResp: []model.LedgerEntry{}}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 1, http.MethodGet, "/api/wallet/history", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestSettleDraw_AdminOnly(t *testing.T) {
	svc := &stubService{
		adminUserID: 42,
		settleResp: &model.SettlementResult{
			WinnerUserID: 7, WinnerCents: 297, AdminFeeCents: 3,
			Seed: "seed", CommitmentHash: "hash", WinningPosition: 1, TotalEntries: 3,
		},
	}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 7, http.MethodPost, "/api/admin/draws/1/settle", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}

	res = authRequest(t, h, 42, http.MethodPost, "/api/admin/draws/1/settle", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("admin status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp settlementResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.WinnerAmount != 2.97 || resp.AdminFee != 0.03 {
		t.Fatalf("unexpected settlement response: %+v", resp)
	}
}

func TestSettleDraw_NoEntries(t *testing.T) {
	svc := &stubService{adminUserID: 42, settleErr: repository.ErrNoEntries}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 42, http.MethodPost, "/api/admin/draws/1/settle", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestSettleDraw_CommitmentMismatch(t *testing.T) {
	svc := &stubService{adminUserID: 42, settleErr: repository.ErrCommitmentMismatch}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 42, http.MethodPost, "/api/admin/draws/1/settle", nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusInternalServerError)
	}
}

func TestRollForwardDraw_Success(t *testing.T) {
	svc := &stubService{adminUserID: 42, rollMoved: 500}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(rollForwardRequest{ToDrawID: 2})
	res := authRequest(t, h, 42, http.MethodPost, "/api/admin/draws/1/rollforward", body)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp map[string]float64
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["moved"] != 5 {
		t.Fatalf("moved = %v, want 5", resp["moved"])
	}
}

func TestRollForwardDraw_Conflicts(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"draw has entries", repository.ErrDrawNotEmpty},
		{"same draw", repository.ErrSameDraw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{adminUserID: 42, rollErr: tt.err}
			h := newTestHandler(t, svc)

			body, _ := json.Marshal(rollForwardRequest{ToDrawID: 2})
			res := authRequest(t, h, 42, http.MethodPost, "/api/admin/draws/1/rollforward", body)

			if res.StatusCode != http.StatusConflict {
				t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
			}
		})
	}
}

func TestRollForwardDraw_AdminOnly(t *testing.T) {
	svc := &stubService{adminUserID: 42}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(rollForwardRequest{ToDrawID: 2})
	res := authRequest(t, h, 7, http.MethodPost, "/api/admin/draws/1/rollforward", body)

	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestJoinLobby_InvalidCodeFormat(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(joinLobbyRequest{JoinCode: "bad code"})
	res := authRequest(t, h, 1, http.MethodPost, "/api/lobbies/join", body)

	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestTriggerLobbyDraw_NotHost(t *testing.T) {
	svc := &stubService{settleErr: repository.ErrNotHost}
	h := newTestHandler(t, svc)

	res := authRequest(t, h, 1, http.MethodPost, "/api/lobbies/1/draw", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestSeedLobbyPot_JSONResponse(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(seedPotRequest{Sum: 10})
	res := authRequest(t, h, 1, http.MethodPost, "/api/lobbies/1/pot", body)

	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp map[string]float64
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["pot"] != 10 {
		t.Fatalf("pot = %v, want 10", resp["pot"])
	}
}
