// Package model содержит доменные сущности лотерейного сервиса.
package model

import "time"

// Wallet представляет кошелёк пользователя. Баланс хранится в центах
// и не может стать отрицательным: это гарантирует операция списания.
// WithdrawnCents — накопленная сумма выводов, выводится из журнала.
type Wallet struct {
	ID             int64
	UserID         int64
	BalanceCents   int64
	WithdrawnCents int64
	CreatedAt      time.Time
}

// LedgerKind описывает тип записи в журнале движений средств.
type LedgerKind string

const (
	LedgerKindDeposit        LedgerKind = "deposit"
	LedgerKindWithdrawal     LedgerKind = "withdrawal"
	LedgerKindTicketPurchase LedgerKind = "ticket_purchase"
	LedgerKindPotSeed        LedgerKind = "pot_seed"
	LedgerKindPrizeWin       LedgerKind = "prize_win"
	LedgerKindAdminFee       LedgerKind = "admin_fee"
)

// LedgerEntry — неизменяемая запись о движении средств по кошельку.
// Сумма со знаком: списания отрицательные, зачисления положительные.
type LedgerEntry struct {
	ID           int64
	UserID       int64
	Kind         LedgerKind
	AmountCents  int64
	BalanceCents int64
	Metadata     string
	CreatedAt    time.Time
}

// DrawStatus описывает статус розыгрыша.
// Переходы только вперёд: open -> locked -> drawn.
type DrawStatus string

const (
	DrawStatusOpen   DrawStatus = "open"
	DrawStatusLocked DrawStatus = "locked"
	DrawStatusDrawn  DrawStatus = "drawn"
)

// Draw представляет ежедневный общий розыгрыш. Хеш-обязательство
// вычисляется из сида в момент создания и публикуется до начала продаж;
// сам сид раскрывается только после проведения розыгрыша.
type Draw struct {
	ID              int64
	Date            time.Time
	PrizePoolCents  int64
	TotalEntries    int64
	CommitmentHash  string
	Seed            string
	Status          DrawStatus
	WinningPosition *int64
	DrawnAt         *time.Time
}

// TicketStatus описывает статус билета.
type TicketStatus string

const (
	TicketStatusActive TicketStatus = "active"
	TicketStatusWon    TicketStatus = "won"
	TicketStatusLost   TicketStatus = "lost"
)

// Ticket — купленный билет. Position — порядковый номер билета в
// розыгрыше (с единицы), присваивается в момент покупки. TicketHash —
// ключевая печать над неизменяемыми полями билета.
type Ticket struct {
	ID           int64
	DrawID       int64
	UserID       int64
	Position     int64
	EntriesAtBuy int64
	TicketHash   string
	Status       TicketStatus
	PrizeCents   *int64
	PurchasedAt  time.Time
}

// Lobby — приватный розыгрыш, который создаёт и финансирует хост.
// Жизненный цикл совпадает с Draw.
type Lobby struct {
	ID              int64
	JoinCode        string
	HostUserID      int64
	PotCents        int64
	Status          DrawStatus
	CommitmentHash  string
	Seed            string
	WinningPosition *int64
	MaxParticipants int64
	CreatedAt       time.Time
}

// LobbyMember — участник лобби. Порядок участников для выбора победителя
// определяется явно: по времени вступления, затем по идентификатору.
type LobbyMember struct {
	LobbyID  int64
	UserID   int64
	JoinedAt time.Time
}

// SettlementResult содержит публично проверяемый итог розыгрыша:
// по паре (seed, totalEntries) любой внешний аудитор может заново
// вычислить позицию победителя и сверить хеш-обязательство.
type SettlementResult struct {
	WinnerUserID    int64
	WinnerCents     int64
	AdminFeeCents   int64
	Seed            string
	CommitmentHash  string
	WinningPosition int64
	TotalEntries    int64
}

// Balance содержит баланс кошелька в денежных единицах для выдачи наружу.
type Balance struct {
	Current   float64 `json:"current"`
	Withdrawn float64 `json:"withdrawn"`
}
