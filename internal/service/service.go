// Package service реализует бизнес-логику лотерейного сервиса.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/lottery-system/internal/fair"
	"github.com/mmeshcher/lottery-system/internal/model"
	"github.com/mmeshcher/lottery-system/internal/notify"
	"github.com/mmeshcher/lottery-system/internal/repository"
)

const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	EnsureUser(ctx context.Context, login string) (int64, error)
	EnsureWallet(ctx context.Context, userID int64) (*model.Wallet, error)
	GetWalletByUser(ctx context.Context, userID int64) (*model.Wallet, error)
	Debit(ctx context.Context, userID, amount int64, kind model.LedgerKind, metadata string) (int64, error)
	Credit(ctx context.Context, userID, amount int64, kind model.LedgerKind, metadata string) (int64, error)
	GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error)
	CreateDraw(ctx context.Context, date time.Time, seed, commitment string) (*model.Draw, error)
	GetDraw(ctx context.Context, drawID int64) (*model.Draw, error)
	GetCurrentDraw(ctx context.Context) (*model.Draw, error)
	PurchaseTicket(ctx context.Context, userID, drawID, priceCents int64, seal repository.SealFunc) (*model.Ticket, error)
	GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error)
	LockDraw(ctx context.Context, drawID int64) error
	SettleDraw(ctx context.Context, drawID, adminUserID int64) (*model.SettlementResult, error)
	RollForwardDraw(ctx context.Context, fromID, toID int64) (int64, error)
	CreateLobby(ctx context.Context, hostUserID int64, joinCode string, maxParticipants int64, seed, commitment string) (*model.Lobby, error)
	GetLobby(ctx context.Context, lobbyID int64) (*model.Lobby, error)
	GetLobbyByCode(ctx context.Context, joinCode string) (*model.Lobby, error)
	JoinLobby(ctx context.Context, lobbyID, userID int64) error
	GetLobbyMembers(ctx context.Context, lobbyID int64) ([]model.LobbyMember, error)
	SeedLobbyPot(ctx context.Context, lobbyID, hostUserID, amountCents int64) (int64, error)
	TriggerLobbyDraw(ctx context.Context, lobbyID, hostUserID, adminUserID int64) (*model.SettlementResult, error)
}

// Service содержит бизнес-логику лотерейного сервиса.
type Service struct {
	repo        Repository
	notifier    *notify.Client
	logger      *zap.Logger
	sealSecret  []byte
	priceCents  int64
	adminUserID int64
}

// NewService создаёт новый сервис. sealSecret — серверный ключ печати
// билетов, передаётся явно и нигде не хранится глобально.
func NewService(repo Repository, notifier *notify.Client, logger *zap.Logger, sealSecret []byte, priceCents int64) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		notifier:   notifier,
		logger:     logger,
		sealSecret: sealSecret,
		priceCents: priceCents,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// ResolveAdmin один раз при старте находит учётную запись оператора по
// логину и создаёт её кошелёк для зачисления комиссий. Дальше везде
// используется идентификатор, а не строковое сравнение логинов.
func (s *Service) ResolveAdmin(ctx context.Context, adminLogin string) error {
	id, err := s.repo.EnsureUser(ctx, adminLogin)
	if err != nil {
		return fmt.Errorf("resolve admin user: %w", err)
	}
	if _, err := s.repo.EnsureWallet(ctx, id); err != nil {
		return fmt.Errorf("ensure admin wallet: %w", err)
	}
	s.adminUserID = id
	return nil
}

// AdminUserID возвращает идентификатор учётной записи оператора.
func (s *Service) AdminUserID() int64 {
	return s.adminUserID
}

// publish отправляет событие во внешний канал строго после коммита.
// Отказ канала логируется и никогда не влияет на финансовый результат.
func (s *Service) publish(eventType string, payload any) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.notifier.Publish(ctx, eventType, payload); err != nil {
			s.logger.Warn("publish event failed",
				zap.String("event", eventType), zap.Error(err))
		}
	}()
}

// GetBalance возвращает баланс кошелька пользователя в денежных единицах.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	w, err := s.repo.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Current:   float64(w.BalanceCents) / 100,
		Withdrawn: float64(w.WithdrawnCents) / 100,
	}, nil
}

// GetLedgerByUser возвращает журнал движений средств пользователя.
func (s *Service) GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	return s.repo.GetLedgerByUser(ctx, userID)
}

// AdjustWallet зачисляет или списывает средства кошелька по решению
// оператора: положительная сумма — deposit, отрицательная — withdrawal.
func (s *Service) AdjustWallet(ctx context.Context, userID int64, sumCents int64) (int64, error) {
	if sumCents == 0 {
		return 0, errors.New("adjustment sum must not be zero")
	}
	if _, err := s.repo.EnsureWallet(ctx, userID); err != nil {
		return 0, err
	}
	if sumCents > 0 {
		return s.repo.Credit(ctx, userID, sumCents, model.LedgerKindDeposit, `{"source":"admin"}`)
	}
	return s.repo.Debit(ctx, userID, -sumCents, model.LedgerKindWithdrawal, `{"source":"admin"}`)
}

// CreateDraw создаёт розыгрыш на указанную дату. Сид генерируется здесь и
// сразу фиксируется хеш-обязательством — до приёма первой ставки.
func (s *Service) CreateDraw(ctx context.Context, date time.Time) (*model.Draw, error) {
	seed, err := fair.GenerateSeed()
	if err != nil {
		return nil, err
	}
	d, err := s.repo.CreateDraw(ctx, date, seed, fair.Commit(seed))
	if err != nil {
		return nil, err
	}
	return sanitizeDraw(d), nil
}

// GetDraw возвращает розыгрыш. Сид скрывается, пока розыгрыш не проведён:
// до раскрытия публично только хеш-обязательство.
func (s *Service) GetDraw(ctx context.Context, drawID int64) (*model.Draw, error) {
	d, err := s.repo.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}
	return sanitizeDraw(d), nil
}

// GetCurrentDraw возвращает ближайший открытый розыгрыш.
func (s *Service) GetCurrentDraw(ctx context.Context) (*model.Draw, error) {
	d, err := s.repo.GetCurrentDraw(ctx)
	if err != nil {
		return nil, err
	}
	return sanitizeDraw(d), nil
}

func sanitizeDraw(d *model.Draw) *model.Draw {
	if d.Status != model.DrawStatusDrawn {
		cp := *d
		cp.Seed = ""
		return &cp
	}
	return d
}

// PurchaseTicket продаёт пользователю один билет текущей цены.
func (s *Service) PurchaseTicket(ctx context.Context, userID, drawID int64) (*model.Ticket, error) {
	secret := s.sealSecret
	seal := func(ticketID, drawID, userID, position int64, purchasedAt time.Time) string {
		return fair.SealTicket(secret, ticketID, drawID, userID, position, purchasedAt)
	}

	t, err := s.repo.PurchaseTicket(ctx, userID, drawID, s.priceCents, seal)
	if err != nil {
		return nil, err
	}

	if d, err := s.repo.GetDraw(ctx, drawID); err == nil {
		s.publish(notify.EventPoolUpdate, map[string]any{
			"draw_id":       d.ID,
			"prize_pool":    float64(d.PrizePoolCents) / 100,
			"total_entries": d.TotalEntries,
		})
	}

	return t, nil
}

// GetTicketsByUser возвращает билеты пользователя.
func (s *Service) GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	return s.repo.GetTicketsByUser(ctx, userID)
}

// LockDraw останавливает продажу билетов. Вызывается внешним планировщиком
// или оператором; сам сервис ничего не запускает по таймеру.
func (s *Service) LockDraw(ctx context.Context, drawID int64) error {
	return s.repo.LockDraw(ctx, drawID)
}

// SettleDraw проводит заблокированный розыгрыш и публикует событие о
// победителе вместе с раскрытым сидом для независимой проверки.
func (s *Service) SettleDraw(ctx context.Context, drawID int64) (*model.SettlementResult, error) {
	res, err := s.repo.SettleDraw(ctx, drawID, s.adminUserID)
	if err != nil {
		return nil, err
	}

	s.publish(notify.EventWinner, map[string]any{
		"draw_id":          drawID,
		"winner_user_id":   res.WinnerUserID,
		"winner_amount":    float64(res.WinnerCents) / 100,
		"seed":             res.Seed,
		"commitment_hash":  res.CommitmentHash,
		"winning_position": res.WinningPosition,
	})

	return res, nil
}

// RollForwardDraw переносит пул пустого заблокированного розыгрыша в другой открытый.
func (s *Service) RollForwardDraw(ctx context.Context, fromID, toID int64) (int64, error) {
	moved, err := s.repo.RollForwardDraw(ctx, fromID, toID)
	if err != nil {
		return 0, err
	}

	if d, err := s.repo.GetDraw(ctx, toID); err == nil {
		s.publish(notify.EventPoolUpdate, map[string]any{
			"draw_id":       d.ID,
			"prize_pool":    float64(d.PrizePoolCents) / 100,
			"total_entries": d.TotalEntries,
		})
	}

	return moved, nil
}

// CreateLobby создаёт приватное лобби с уникальным кодом приглашения.
func (s *Service) CreateLobby(ctx context.Context, hostUserID, maxParticipants int64) (*model.Lobby, error) {
	if maxParticipants < 2 {
		return nil, errors.New("lobby must allow at least two participants")
	}

	seed, err := fair.GenerateSeed()
	if err != nil {
		return nil, err
	}
	commitment := fair.Commit(seed)

	// Коллизия кода крайне маловероятна, но уникальный индекс её ловит —
	// тогда просто генерируем новый код.
	for attempt := 0; attempt < 3; attempt++ {
		l, err := s.repo.CreateLobby(ctx, hostUserID, newJoinCode(), maxParticipants, seed, commitment)
		if err != nil {
			if errors.Is(err, repository.ErrJoinCodeTaken) {
				continue
			}
			return nil, err
		}
		return sanitizeLobby(l), nil
	}

	return nil, repository.ErrJoinCodeTaken
}

// newJoinCode выводит 8-символьный код приглашения из случайного UUID.
func newJoinCode() string {
	id := uuid.New()
	code := make([]byte, 8)
	for i := range code {
		code[i] = joinCodeAlphabet[int(id[i])%len(joinCodeAlphabet)]
	}
	return string(code)
}

// JoinLobbyByCode добавляет пользователя в лобби по коду приглашения.
func (s *Service) JoinLobbyByCode(ctx context.Context, joinCode string, userID int64) (*model.Lobby, error) {
	l, err := s.repo.GetLobbyByCode(ctx, joinCode)
	if err != nil {
		return nil, err
	}
	if err := s.repo.JoinLobby(ctx, l.ID, userID); err != nil {
		return nil, err
	}
	return s.GetLobby(ctx, l.ID)
}

// GetLobby возвращает лобби; сид скрыт до проведения розыгрыша.
func (s *Service) GetLobby(ctx context.Context, lobbyID int64) (*model.Lobby, error) {
	l, err := s.repo.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, err
	}
	return sanitizeLobby(l), nil
}

func sanitizeLobby(l *model.Lobby) *model.Lobby {
	if l.Status != model.DrawStatusDrawn {
		cp := *l
		cp.Seed = ""
		return &cp
	}
	return l
}

// GetLobbyMembers возвращает участников лобби в детерминированном порядке вступления.
func (s *Service) GetLobbyMembers(ctx context.Context, lobbyID int64) ([]model.LobbyMember, error) {
	return s.repo.GetLobbyMembers(ctx, lobbyID)
}

// SeedLobbyPot пополняет призовой фонд лобби из кошелька хоста.
func (s *Service) SeedLobbyPot(ctx context.Context, lobbyID, hostUserID int64, sumCents int64) (int64, error) {
	if sumCents <= 0 {
		return 0, errors.New("pot seed sum must be positive")
	}

	newPot, err := s.repo.SeedLobbyPot(ctx, lobbyID, hostUserID, sumCents)
	if err != nil {
		return 0, err
	}

	s.publish(notify.EventPoolUpdate, map[string]any{
		"lobby_id": lobbyID,
		"pot":      float64(newPot) / 100,
	})

	return newPot, nil
}

// TriggerLobbyDraw проводит розыгрыш лобби по требованию хоста.
func (s *Service) TriggerLobbyDraw(ctx context.Context, lobbyID, hostUserID int64) (*model.SettlementResult, error) {
	res, err := s.repo.TriggerLobbyDraw(ctx, lobbyID, hostUserID, s.adminUserID)
	if err != nil {
		return nil, err
	}

	s.publish(notify.EventWinner, map[string]any{
		"lobby_id":         lobbyID,
		"winner_user_id":   res.WinnerUserID,
		"winner_amount":    float64(res.WinnerCents) / 100,
		"seed":             res.Seed,
		"commitment_hash":  res.CommitmentHash,
		"winning_position": res.WinningPosition,
	})

	return res, nil
}

// VerifyTicket проверяет печать билета по сохранённым полям и серверному секрету.
func (s *Service) VerifyTicket(t *model.Ticket) bool {
	return fair.VerifyTicketSeal(s.sealSecret, t.TicketHash, t.ID, t.DrawID, t.UserID, t.Position, t.PurchasedAt)
}
