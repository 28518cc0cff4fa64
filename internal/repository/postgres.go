// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Все операции, изменяющие деньги или состояние розыгрыша, выполняются
// внутри ровно одной транзакции с явной блокировкой строк кошелька и
// розыгрыша (SELECT ... FOR UPDATE). Это единственный механизм
// координации: конкурирующие операции над одной строкой сериализуются,
// операции над разными строками идут параллельно.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/lottery-system/internal/fair"
	"github.com/mmeshcher/lottery-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrWalletNotFound возвращается, если у пользователя нет кошелька.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrDrawNotFound возвращается, если розыгрыш не найден.
	ErrDrawNotFound = errors.New("draw not found")
	// ErrDrawClosed возвращается при покупке билета в закрытый розыгрыш.
	ErrDrawClosed = errors.New("draw is closed for sales")
	// ErrDuplicateTicket возвращается при повторной покупке билета в тот же розыгрыш.
	ErrDuplicateTicket = errors.New("ticket already purchased for this draw")
	// ErrAlreadyLocked возвращается при попытке заблокировать уже закрытый розыгрыш.
	ErrAlreadyLocked = errors.New("draw is already locked")
	// ErrDrawNotLocked возвращается при попытке провести незаблокированный розыгрыш.
	ErrDrawNotLocked = errors.New("draw is not locked for settlement")
	// ErrNoEntries возвращается при попытке провести розыгрыш без единого билета.
	ErrNoEntries = errors.New("draw has no entries")
	// ErrDrawNotEmpty возвращается при переносе пула из розыгрыша, в котором есть билеты.
	ErrDrawNotEmpty = errors.New("draw has entries, settle it instead")
	// ErrSameDraw возвращается при попытке перенести пул розыгрыша в него же.
	ErrSameDraw = errors.New("cannot roll a draw forward into itself")
	// ErrCommitmentMismatch — фатальное нарушение целостности: сохранённый сид
	// не соответствует опубликованному обязательству. Требует ручного аудита.
	ErrCommitmentMismatch = errors.New("seed does not match published commitment")
	// ErrLobbyNotFound возвращается, если лобби не найдено.
	ErrLobbyNotFound = errors.New("lobby not found")
	// ErrLobbyLocked возвращается для операций, допустимых только в открытом лобби.
	ErrLobbyLocked = errors.New("lobby is locked")
	// ErrNotHost возвращается, если операцию лобби вызывает не его хост.
	ErrNotHost = errors.New("caller is not the lobby host")
	// ErrMinParticipants возвращается, если в лобби меньше двух участников.
	ErrMinParticipants = errors.New("lobby needs at least two members")
	// ErrPotNotFunded возвращается при розыгрыше лобби с пустым призовым фондом.
	ErrPotNotFunded = errors.New("lobby pot is not funded")
	// ErrLobbyFull возвращается при вступлении в заполненное лобби.
	ErrLobbyFull = errors.New("lobby is full")
	// ErrAlreadyJoined возвращается при повторном вступлении в лобби.
	ErrAlreadyJoined = errors.New("already a member of this lobby")
	// ErrJoinCodeTaken возвращается при коллизии кода приглашения.
	ErrJoinCodeTaken = errors.New("join code already taken")
)

// adminFeeCents вычисляет комиссию оператора: 1% пула, округление вниз
// до цента. Только целочисленная арифметика, чтобы выигрыш и комиссия
// всегда в точности складывались в исходный пул.
func adminFeeCents(poolCents int64) int64 {
	return poolCents / 100
}

// SealFunc вычисляет печать билета по его неизменяемым полям.
// Передаётся снаружи, чтобы серверный секрет не попадал в слой хранения.
type SealFunc func(ticketID, drawID, userID, position int64, purchasedAt time.Time) string

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при deadlock или serialization failure.
// Это безопасно: неудачная попытка полностью откатывается, а каждая
// операция либо идемпотентна по эффекту, либо защищена ограничением
// уникальности.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// inTx выполняет fn внутри одной транзакции: любая ошибка откатывает всё,
// частичные списания и осиротевшие записи не наблюдаемы.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// EnsureUser возвращает идентификатор пользователя по логину, создавая
// запись при первом обращении. Используется при старте для учётной
// записи оператора; выпуск пользовательских сессий остаётся снаружи.
func (r *PostgresRepository) EnsureUser(ctx context.Context, login string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login) VALUES ($1)
		 ON CONFLICT (login) DO UPDATE SET login = EXCLUDED.login
		 RETURNING id`,
		login,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure user: %w", err)
	}
	return id, nil
}

// EnsureWallet создаёт кошелёк пользователя, если его ещё нет, и возвращает его.
func (r *PostgresRepository) EnsureWallet(ctx context.Context, userID int64) (*model.Wallet, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO wallets (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	return r.GetWalletByUser(ctx, userID)
}

// GetWalletByUser возвращает кошелёк пользователя. Сумма выводов не хранится
// отдельно, а выводится из журнала: журнал — единственный источник правды.
func (r *PostgresRepository) GetWalletByUser(ctx context.Context, userID int64) (*model.Wallet, error) {
	var w model.Wallet
	err := r.pool.QueryRow(ctx,
		`SELECT w.id, w.user_id, w.balance_cents,
		        COALESCE((SELECT SUM(-l.amount_cents) FROM ledger_entries l
		                  WHERE l.user_id = w.user_id AND l.kind = $2), 0),
		        w.created_at
		 FROM wallets w WHERE w.user_id = $1`,
		userID, string(model.LedgerKindWithdrawal),
	).Scan(&w.ID, &w.UserID, &w.BalanceCents, &w.WithdrawnCents, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return &w, nil
}

// lockWalletTx блокирует строку кошелька пользователя и возвращает текущий баланс.
// Конкурирующие операции над одним кошельком сериализуются на этой блокировке.
func lockWalletTx(ctx context.Context, tx pgx.Tx, userID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance_cents FROM wallets WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrWalletNotFound
		}
		return 0, fmt.Errorf("lock wallet: %w", err)
	}
	return balance, nil
}

// debitWalletTx списывает amount с заблокированного кошелька и добавляет
// запись журнала. Баланс не может уйти в минус: недостаток средств — ошибка.
func debitWalletTx(ctx context.Context, tx pgx.Tx, userID, amount int64, kind model.LedgerKind, metadata string) (int64, error) {
	balance, err := lockWalletTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	if balance < amount {
		return 0, ErrInsufficientBalance
	}

	newBalance := balance - amount

	_, err = tx.Exec(ctx,
		`UPDATE wallets SET balance_cents = $2 WHERE user_id = $1`,
		userID, newBalance,
	)
	if err != nil {
		return 0, fmt.Errorf("debit wallet: %w", err)
	}

	if err := appendLedgerTx(ctx, tx, userID, -amount, newBalance, kind, metadata); err != nil {
		return 0, err
	}

	return newBalance, nil
}

// creditWalletTx зачисляет amount на заблокированный кошелёк и добавляет запись журнала.
func creditWalletTx(ctx context.Context, tx pgx.Tx, userID, amount int64, kind model.LedgerKind, metadata string) (int64, error) {
	balance, err := lockWalletTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	newBalance := balance + amount

	_, err = tx.Exec(ctx,
		`UPDATE wallets SET balance_cents = $2 WHERE user_id = $1`,
		userID, newBalance,
	)
	if err != nil {
		return 0, fmt.Errorf("credit wallet: %w", err)
	}

	if err := appendLedgerTx(ctx, tx, userID, amount, newBalance, kind, metadata); err != nil {
		return 0, err
	}

	return newBalance, nil
}

func appendLedgerTx(ctx context.Context, tx pgx.Tx, userID, amount, balanceAfter int64, kind model.LedgerKind, metadata string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, kind, amount_cents, balance_cents, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, string(kind), amount, balanceAfter, metadata,
	)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

// Debit списывает сумму с кошелька в отдельной транзакции и возвращает
// баланс после операции.
func (r *PostgresRepository) Debit(ctx context.Context, userID, amount int64, kind model.LedgerKind, metadata string) (int64, error) {
	var newBalance int64
	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			var err error
			newBalance, err = debitWalletTx(ctx, tx, userID, amount, kind, metadata)
			return err
		})
	})
	return newBalance, err
}

// Credit зачисляет сумму на кошелёк в отдельной транзакции и возвращает
// баланс после операции.
func (r *PostgresRepository) Credit(ctx context.Context, userID, amount int64, kind model.LedgerKind, metadata string) (int64, error) {
	var newBalance int64
	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			var err error
			newBalance, err = creditWalletTx(ctx, tx, userID, amount, kind, metadata)
			return err
		})
	})
	return newBalance, err
}

// GetLedgerByUser возвращает журнал движений средств пользователя.
func (r *PostgresRepository) GetLedgerByUser(ctx context.Context, userID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, kind, amount_cents, balance_cents, metadata, created_at
		 FROM ledger_entries
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var res []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.AmountCents, &e.BalanceCents, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Kind = model.LedgerKind(kind)
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateDraw создаёт розыгрыш в статусе open. Сид и обязательство
// фиксируются уже здесь, до приёма первой ставки: оператор
// криптографически связан исходом, которым не может управлять.
func (r *PostgresRepository) CreateDraw(ctx context.Context, date time.Time, seed, commitment string) (*model.Draw, error) {
	var d model.Draw
	err := r.pool.QueryRow(ctx,
		`INSERT INTO draws (draw_date, seed, commitment_hash)
		 VALUES ($1, $2, $3)
		 RETURNING id, draw_date, prize_pool_cents, total_entries, commitment_hash, seed, status`,
		date, seed, commitment,
	).Scan(&d.ID, &d.Date, &d.PrizePoolCents, &d.TotalEntries, &d.CommitmentHash, &d.Seed, (*string)(&d.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("draw for %s already exists", date.Format("2006-01-02"))
		}
		return nil, fmt.Errorf("create draw: %w", err)
	}
	return &d, nil
}

// GetDraw возвращает розыгрыш по идентификатору.
func (r *PostgresRepository) GetDraw(ctx context.Context, drawID int64) (*model.Draw, error) {
	var d model.Draw
	err := r.pool.QueryRow(ctx,
		`SELECT id, draw_date, prize_pool_cents, total_entries, commitment_hash, seed, status, winning_position, drawn_at
		 FROM draws WHERE id = $1`,
		drawID,
	).Scan(&d.ID, &d.Date, &d.PrizePoolCents, &d.TotalEntries, &d.CommitmentHash, &d.Seed,
		(*string)(&d.Status), &d.WinningPosition, &d.DrawnAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDrawNotFound
		}
		return nil, fmt.Errorf("get draw: %w", err)
	}
	return &d, nil
}

// GetCurrentDraw возвращает ближайший открытый розыгрыш.
func (r *PostgresRepository) GetCurrentDraw(ctx context.Context) (*model.Draw, error) {
	var d model.Draw
	err := r.pool.QueryRow(ctx,
		`SELECT id, draw_date, prize_pool_cents, total_entries, commitment_hash, seed, status, winning_position, drawn_at
		 FROM draws WHERE status = $1
		 ORDER BY draw_date
		 LIMIT 1`,
		string(model.DrawStatusOpen),
	).Scan(&d.ID, &d.Date, &d.PrizePoolCents, &d.TotalEntries, &d.CommitmentHash, &d.Seed,
		(*string)(&d.Status), &d.WinningPosition, &d.DrawnAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDrawNotFound
		}
		return nil, fmt.Errorf("get current draw: %w", err)
	}
	return &d, nil
}

// lockDrawTx блокирует строку розыгрыша и возвращает его текущее состояние.
func lockDrawTx(ctx context.Context, tx pgx.Tx, drawID int64) (*model.Draw, error) {
	var d model.Draw
	err := tx.QueryRow(ctx,
		`SELECT id, draw_date, prize_pool_cents, total_entries, commitment_hash, seed, status, winning_position, drawn_at
		 FROM draws WHERE id = $1 FOR UPDATE`,
		drawID,
	).Scan(&d.ID, &d.Date, &d.PrizePoolCents, &d.TotalEntries, &d.CommitmentHash, &d.Seed,
		(*string)(&d.Status), &d.WinningPosition, &d.DrawnAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDrawNotFound
		}
		return nil, fmt.Errorf("lock draw: %w", err)
	}
	return &d, nil
}

// PurchaseTicket атомарно продаёт один билет: блокирует розыгрыш и кошелёк,
// списывает цену, создаёт билет и увеличивает пул на полную цену билета
// (комиссия оператора берётся только при проведении розыгрыша).
// Любая ошибка откатывает транзакцию целиком.
func (r *PostgresRepository) PurchaseTicket(ctx context.Context, userID, drawID, priceCents int64, seal SealFunc) (*model.Ticket, error) {
	var t model.Ticket

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			d, err := lockDrawTx(ctx, tx, drawID)
			if err != nil {
				return err
			}
			if d.Status != model.DrawStatusOpen {
				return ErrDrawClosed
			}

			if _, err := debitWalletTx(ctx, tx, userID, priceCents, model.LedgerKindTicketPurchase,
				fmt.Sprintf(`{"draw_id":%d}`, drawID)); err != nil {
				return err
			}

			position := d.TotalEntries + 1

			// Ограничение уникальности (user_id, draw_id) закрывает гонку
			// двух одновременных покупок одного пользователя: проигравшая
			// вставка откатывает и своё списание.
			err = tx.QueryRow(ctx,
				`INSERT INTO tickets (draw_id, user_id, draw_position, entries_at_buy)
				 VALUES ($1, $2, $3, $4)
				 RETURNING id, purchased_at`,
				drawID, userID, position, position,
			).Scan(&t.ID, &t.PurchasedAt)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
					return ErrDuplicateTicket
				}
				return fmt.Errorf("insert ticket: %w", err)
			}

			t.DrawID = drawID
			t.UserID = userID
			t.Position = position
			t.EntriesAtBuy = position
			t.Status = model.TicketStatusActive
			t.TicketHash = seal(t.ID, drawID, userID, position, t.PurchasedAt)

			if _, err := tx.Exec(ctx,
				`UPDATE tickets SET ticket_hash = $2 WHERE id = $1`,
				t.ID, t.TicketHash,
			); err != nil {
				return fmt.Errorf("seal ticket: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE draws
				 SET total_entries = total_entries + 1,
				     prize_pool_cents = prize_pool_cents + $2
				 WHERE id = $1`,
				drawID, priceCents,
			); err != nil {
				return fmt.Errorf("update draw counters: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &t, nil
}

// GetTicketsByUser возвращает билеты пользователя, свежие первыми.
func (r *PostgresRepository) GetTicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, draw_id, user_id, draw_position, entries_at_buy, ticket_hash, status, prize_cents, purchased_at
		 FROM tickets
		 WHERE user_id = $1
		 ORDER BY purchased_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select tickets: %w", err)
	}
	defer rows.Close()

	var res []model.Ticket
	for rows.Next() {
		var t model.Ticket
		var status string
		if err := rows.Scan(&t.ID, &t.DrawID, &t.UserID, &t.Position, &t.EntriesAtBuy,
			&t.TicketHash, &status, &t.PrizeCents, &t.PurchasedAt); err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		t.Status = model.TicketStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// LockDraw переводит розыгрыш из open в locked, прекращая продажу билетов.
// Статусы движутся только вперёд: повторная блокировка — ошибка.
func (r *PostgresRepository) LockDraw(ctx context.Context, drawID int64) error {
	return r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			d, err := lockDrawTx(ctx, tx, drawID)
			if err != nil {
				return err
			}
			if d.Status != model.DrawStatusOpen {
				return ErrAlreadyLocked
			}

			_, err = tx.Exec(ctx,
				`UPDATE draws SET status = $2 WHERE id = $1`,
				drawID, string(model.DrawStatusLocked),
			)
			if err != nil {
				return fmt.Errorf("lock draw status: %w", err)
			}
			return nil
		})
	})
}

// SettleDraw проводит заблокированный розыгрыш: сверяет сид с опубликованным
// обязательством, детерминированно выбирает победителя, делит пул 99/1
// в целых центах и атомарно выплачивает обе части.
func (r *PostgresRepository) SettleDraw(ctx context.Context, drawID, adminUserID int64) (*model.SettlementResult, error) {
	var res model.SettlementResult

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			d, err := lockDrawTx(ctx, tx, drawID)
			if err != nil {
				return err
			}
			if d.Status != model.DrawStatusLocked {
				return ErrDrawNotLocked
			}
			if d.TotalEntries < 1 {
				return ErrNoEntries
			}

			// Несовпадение — фатальное нарушение целостности, проведение
			// останавливается до ручного расследования.
			if !fair.Verify(d.Seed, d.CommitmentHash) {
				return ErrCommitmentMismatch
			}

			winningIndex, err := fair.WinningIndex(d.Seed, d.TotalEntries)
			if err != nil {
				return err
			}

			var winnerTicketID, winnerUserID int64
			err = tx.QueryRow(ctx,
				`SELECT id, user_id FROM tickets WHERE draw_id = $1 AND draw_position = $2`,
				drawID, winningIndex+1,
			).Scan(&winnerTicketID, &winnerUserID)
			if err != nil {
				return fmt.Errorf("resolve winning ticket: %w", err)
			}

			fee := adminFeeCents(d.PrizePoolCents)
			winnerAmount := d.PrizePoolCents - fee

			if _, err := creditWalletTx(ctx, tx, winnerUserID, winnerAmount, model.LedgerKindPrizeWin,
				fmt.Sprintf(`{"draw_id":%d}`, drawID)); err != nil {
				return err
			}
			if fee > 0 {
				if _, err := creditWalletTx(ctx, tx, adminUserID, fee, model.LedgerKindAdminFee,
					fmt.Sprintf(`{"draw_id":%d}`, drawID)); err != nil {
					return err
				}
			}

			if _, err := tx.Exec(ctx,
				`UPDATE tickets SET status = $2, prize_cents = $3 WHERE id = $1`,
				winnerTicketID, string(model.TicketStatusWon), winnerAmount,
			); err != nil {
				return fmt.Errorf("mark winning ticket: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE tickets SET status = $2 WHERE draw_id = $1 AND id <> $3`,
				drawID, string(model.TicketStatusLost), winnerTicketID,
			); err != nil {
				return fmt.Errorf("mark losing tickets: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE draws SET status = $2, winning_position = $3, drawn_at = now() WHERE id = $1`,
				drawID, string(model.DrawStatusDrawn), winningIndex,
			); err != nil {
				return fmt.Errorf("finalize draw: %w", err)
			}

			res = model.SettlementResult{
				WinnerUserID:    winnerUserID,
				WinnerCents:     winnerAmount,
				AdminFeeCents:   fee,
				Seed:            d.Seed,
				CommitmentHash:  d.CommitmentHash,
				WinningPosition: winningIndex,
				TotalEntries:    d.TotalEntries,
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}

// RollForwardDraw переносит пул заблокированного розыгрыша без билетов в
// другой открытый розыгрыш и завершает пустой розыгрыш без победителя.
// Явная ветка для политики нулевых ставок: пул не сгорает и не зависает.
func (r *PostgresRepository) RollForwardDraw(ctx context.Context, fromID, toID int64) (int64, error) {
	if fromID == toID {
		return 0, ErrSameDraw
	}

	var moved int64

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			// Блокировки в порядке возрастания id, чтобы исключить deadlock
			// со встречным переносом.
			first, second := fromID, toID
			if second < first {
				first, second = second, first
			}
			d1, err := lockDrawTx(ctx, tx, first)
			if err != nil {
				return err
			}
			d2, err := lockDrawTx(ctx, tx, second)
			if err != nil {
				return err
			}

			from, to := d1, d2
			if first != fromID {
				from, to = d2, d1
			}

			if from.Status != model.DrawStatusLocked {
				return ErrDrawNotLocked
			}
			if from.TotalEntries != 0 {
				return ErrDrawNotEmpty
			}
			if to.Status != model.DrawStatusOpen {
				return ErrDrawClosed
			}

			moved = from.PrizePoolCents

			if _, err := tx.Exec(ctx,
				`UPDATE draws SET prize_pool_cents = 0, status = $2, drawn_at = now() WHERE id = $1`,
				fromID, string(model.DrawStatusDrawn),
			); err != nil {
				return fmt.Errorf("close empty draw: %w", err)
			}

			if _, err := tx.Exec(ctx,
				`UPDATE draws SET prize_pool_cents = prize_pool_cents + $2 WHERE id = $1`,
				toID, moved,
			); err != nil {
				return fmt.Errorf("roll pool forward: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return moved, nil
}

// CreateLobby создаёт приватное лобби. Хост сразу становится первым
// участником; сид и обязательство фиксируются при создании, как и у
// ежедневного розыгрыша.
func (r *PostgresRepository) CreateLobby(ctx context.Context, hostUserID int64, joinCode string, maxParticipants int64, seed, commitment string) (*model.Lobby, error) {
	var l model.Lobby

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO lobbies (join_code, host_user_id, max_participants, seed, commitment_hash)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, join_code, host_user_id, pot_cents, status, commitment_hash, seed, max_participants, created_at`,
			joinCode, hostUserID, maxParticipants, seed, commitment,
		).Scan(&l.ID, &l.JoinCode, &l.HostUserID, &l.PotCents, (*string)(&l.Status),
			&l.CommitmentHash, &l.Seed, &l.MaxParticipants, &l.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrJoinCodeTaken
			}
			return fmt.Errorf("create lobby: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO lobby_members (lobby_id, user_id) VALUES ($1, $2)`,
			l.ID, hostUserID,
		); err != nil {
			return fmt.Errorf("add host member: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &l, nil
}

// GetLobby возвращает лобби по идентификатору.
func (r *PostgresRepository) GetLobby(ctx context.Context, lobbyID int64) (*model.Lobby, error) {
	return r.getLobby(ctx, `SELECT id, join_code, host_user_id, pot_cents, status, commitment_hash, seed, winning_position, max_participants, created_at
		 FROM lobbies WHERE id = $1`, lobbyID)
}

// GetLobbyByCode возвращает лобби по коду приглашения.
func (r *PostgresRepository) GetLobbyByCode(ctx context.Context, joinCode string) (*model.Lobby, error) {
	return r.getLobby(ctx, `SELECT id, join_code, host_user_id, pot_cents, status, commitment_hash, seed, winning_position, max_participants, created_at
		 FROM lobbies WHERE join_code = $1`, joinCode)
}

func (r *PostgresRepository) getLobby(ctx context.Context, query string, arg any) (*model.Lobby, error) {
	var l model.Lobby
	err := r.pool.QueryRow(ctx, query, arg).Scan(&l.ID, &l.JoinCode, &l.HostUserID, &l.PotCents,
		(*string)(&l.Status), &l.CommitmentHash, &l.Seed, &l.WinningPosition, &l.MaxParticipants, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLobbyNotFound
		}
		return nil, fmt.Errorf("get lobby: %w", err)
	}
	return &l, nil
}

func lockLobbyTx(ctx context.Context, tx pgx.Tx, lobbyID int64) (*model.Lobby, error) {
	var l model.Lobby
	err := tx.QueryRow(ctx,
		`SELECT id, join_code, host_user_id, pot_cents, status, commitment_hash, seed, winning_position, max_participants, created_at
		 FROM lobbies WHERE id = $1 FOR UPDATE`,
		lobbyID,
	).Scan(&l.ID, &l.JoinCode, &l.HostUserID, &l.PotCents, (*string)(&l.Status),
		&l.CommitmentHash, &l.Seed, &l.WinningPosition, &l.MaxParticipants, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLobbyNotFound
		}
		return nil, fmt.Errorf("lock lobby: %w", err)
	}
	return &l, nil
}

// JoinLobby добавляет участника в открытое лобби с проверкой вместимости.
func (r *PostgresRepository) JoinLobby(ctx context.Context, lobbyID, userID int64) error {
	return r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			l, err := lockLobbyTx(ctx, tx, lobbyID)
			if err != nil {
				return err
			}
			if l.Status != model.DrawStatusOpen {
				return ErrLobbyLocked
			}

			var members int64
			if err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM lobby_members WHERE lobby_id = $1`,
				lobbyID,
			).Scan(&members); err != nil {
				return fmt.Errorf("count members: %w", err)
			}
			if members >= l.MaxParticipants {
				return ErrLobbyFull
			}

			_, err = tx.Exec(ctx,
				`INSERT INTO lobby_members (lobby_id, user_id) VALUES ($1, $2)`,
				lobbyID, userID,
			)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
					return ErrAlreadyJoined
				}
				return fmt.Errorf("insert member: %w", err)
			}

			return nil
		})
	})
}

// GetLobbyMembers возвращает участников лобби в детерминированном порядке:
// по времени вступления, затем по идентификатору пользователя. Именно этот
// порядок индексируется при выборе победителя — никогда порядок хранения.
func (r *PostgresRepository) GetLobbyMembers(ctx context.Context, lobbyID int64) ([]model.LobbyMember, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT lobby_id, user_id, joined_at
		 FROM lobby_members
		 WHERE lobby_id = $1
		 ORDER BY joined_at, user_id`,
		lobbyID,
	)
	if err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	defer rows.Close()

	var res []model.LobbyMember
	for rows.Next() {
		var m model.LobbyMember
		if err := rows.Scan(&m.LobbyID, &m.UserID, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		res = append(res, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SeedLobbyPot пополняет призовой фонд лобби из кошелька хоста.
// Это перевод кошелёк -> пул, билет не создаётся.
func (r *PostgresRepository) SeedLobbyPot(ctx context.Context, lobbyID, hostUserID, amountCents int64) (int64, error) {
	var newPot int64

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			l, err := lockLobbyTx(ctx, tx, lobbyID)
			if err != nil {
				return err
			}
			if l.HostUserID != hostUserID {
				return ErrNotHost
			}
			if l.Status != model.DrawStatusOpen {
				return ErrLobbyLocked
			}

			if _, err := debitWalletTx(ctx, tx, hostUserID, amountCents, model.LedgerKindPotSeed,
				fmt.Sprintf(`{"lobby_id":%d}`, lobbyID)); err != nil {
				return err
			}

			if err := tx.QueryRow(ctx,
				`UPDATE lobbies SET pot_cents = pot_cents + $2 WHERE id = $1 RETURNING pot_cents`,
				lobbyID, amountCents,
			).Scan(&newPot); err != nil {
				return fmt.Errorf("update pot: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}

	return newPot, nil
}

// TriggerLobbyDraw проводит розыгрыш лобби по требованию хоста: та же
// схема commitment-reveal и то же деление 99/1, что и у ежедневного
// розыгрыша, но список участников — упорядоченное множество членов лобби.
func (r *PostgresRepository) TriggerLobbyDraw(ctx context.Context, lobbyID, hostUserID, adminUserID int64) (*model.SettlementResult, error) {
	var res model.SettlementResult

	err := r.withRetry(ctx, func() error {
		return r.inTx(ctx, func(tx pgx.Tx) error {
			l, err := lockLobbyTx(ctx, tx, lobbyID)
			if err != nil {
				return err
			}
			if l.HostUserID != hostUserID {
				return ErrNotHost
			}
			if l.Status != model.DrawStatusOpen {
				return ErrLobbyLocked
			}

			// Детерминированный порядок участников: joined_at, затем user_id.
			rows, err := tx.Query(ctx,
				`SELECT user_id FROM lobby_members WHERE lobby_id = $1 ORDER BY joined_at, user_id`,
				lobbyID,
			)
			if err != nil {
				return fmt.Errorf("select members: %w", err)
			}
			var members []int64
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					rows.Close()
					return fmt.Errorf("scan member: %w", err)
				}
				members = append(members, id)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return fmt.Errorf("rows error: %w", err)
			}

			if int64(len(members)) < 2 {
				return ErrMinParticipants
			}
			if l.PotCents <= 0 {
				return ErrPotNotFunded
			}

			if _, err := tx.Exec(ctx,
				`UPDATE lobbies SET status = $2 WHERE id = $1`,
				lobbyID, string(model.DrawStatusLocked),
			); err != nil {
				return fmt.Errorf("lock lobby status: %w", err)
			}

			if !fair.Verify(l.Seed, l.CommitmentHash) {
				return ErrCommitmentMismatch
			}

			winningIndex, err := fair.WinningIndex(l.Seed, int64(len(members)))
			if err != nil {
				return err
			}
			winnerUserID := members[winningIndex]

			fee := adminFeeCents(l.PotCents)
			winnerAmount := l.PotCents - fee

			if _, err := creditWalletTx(ctx, tx, winnerUserID, winnerAmount, model.LedgerKindPrizeWin,
				fmt.Sprintf(`{"lobby_id":%d}`, lobbyID)); err != nil {
				return err
			}
			if fee > 0 {
				if _, err := creditWalletTx(ctx, tx, adminUserID, fee, model.LedgerKindAdminFee,
					fmt.Sprintf(`{"lobby_id":%d}`, lobbyID)); err != nil {
					return err
				}
			}

			if _, err := tx.Exec(ctx,
				`UPDATE lobbies SET status = $2, winning_position = $3 WHERE id = $1`,
				lobbyID, string(model.DrawStatusDrawn), winningIndex,
			); err != nil {
				return fmt.Errorf("finalize lobby: %w", err)
			}

			res = model.SettlementResult{
				WinnerUserID:    winnerUserID,
				WinnerCents:     winnerAmount,
				AdminFeeCents:   fee,
				Seed:            l.Seed,
				CommitmentHash:  l.CommitmentHash,
				WinningPosition: winningIndex,
				TotalEntries:    int64(len(members)),
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return &res, nil
}
