// Package repository содержит реализацию доступа к данным в PostgreSQL.
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
	"github.com/shopspring/decimal"

	"github.com/mkurbatov/cpa-platform/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOfferNotFound возвращается, если оффер не найден или неактивен.
	ErrOfferNotFound = errors.New("offer not found")
	// ErrNetworkNotFound возвращается, если сеть не найдена или неактивна.
	ErrNetworkNotFound = errors.New("network not found")
	// ErrClickNotFound возвращается, если клик с таким идентификатором не выдавался.
	ErrClickNotFound = errors.New("click not found")
	// ErrConversionNotFound возвращается, если конверсия не найдена.
	ErrConversionNotFound = errors.New("conversion not found")
	// ErrGrantNotFound возвращается, если у пользователя нет запроса доступа к офферу.
	ErrGrantNotFound = errors.New("access grant not found")
	// ErrReferralLinkNotFound возвращается, если реферальная ссылка не найдена или неактивна.
	ErrReferralLinkNotFound = errors.New("referral link not found")
)

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

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
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

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, email string, passwordHash []byte) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING id`,
		email, passwordHash,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, balance, is_staff, created_at FROM users WHERE email = $1`,
		email,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Balance, &u.IsStaff, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, password_hash, balance, is_staff, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Balance, &u.IsStaff, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetNetworkByKey возвращает активную сеть по её ключу.
// Неактивная сеть приравнивается к отсутствующей.
func (r *PostgresRepository) GetNetworkByKey(ctx context.Context, key string) (*model.Network, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, network_key, name, click_id_param, postback_click_id_param, postback_payout_param, is_active
		 FROM networks
		 WHERE network_key = $1 AND is_active = TRUE`,
		key,
	)

	var n model.Network
	err := row.Scan(&n.ID, &n.Key, &n.Name, &n.ClickIDParam, &n.PostbackClickIDParam, &n.PostbackPayoutParam, &n.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("get network: %w", err)
	}

	return &n, nil
}

// GetNetworkByID возвращает активную сеть по идентификатору.
func (r *PostgresRepository) GetNetworkByID(ctx context.Context, id int64) (*model.Network, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, network_key, name, click_id_param, postback_click_id_param, postback_payout_param, is_active
		 FROM networks
		 WHERE id = $1 AND is_active = TRUE`,
		id,
	)

	var n model.Network
	err := row.Scan(&n.ID, &n.Key, &n.Name, &n.ClickIDParam, &n.PostbackClickIDParam, &n.PostbackPayoutParam, &n.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("get network: %w", err)
	}

	return &n, nil
}

// GetOfferByID возвращает оффер по идентификатору вне зависимости от его активности.
func (r *PostgresRepository) GetOfferByID(ctx context.Context, id int64) (*model.Offer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, network_id, name, url, payout, need_approval, is_active, created_at
		 FROM offers
		 WHERE id = $1`,
		id,
	)

	var o model.Offer
	err := row.Scan(&o.ID, &o.NetworkID, &o.Name, &o.URL, &o.Payout, &o.NeedApproval, &o.IsActive, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}

	return &o, nil
}

// ListActiveOffers возвращает активные офферы, новые первыми.
func (r *PostgresRepository) ListActiveOffers(ctx context.Context) ([]model.Offer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, network_id, name, url, payout, need_approval, is_active, created_at
		 FROM offers
		 WHERE is_active = TRUE
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("select offers: %w", err)
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		var o model.Offer
		if err := rows.Scan(&o.ID, &o.NetworkID, &o.Name, &o.URL, &o.Payout, &o.NeedApproval, &o.IsActive, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return offers, nil
}

// GetAccessGrant возвращает запрос доступа пользователя к офферу.
func (r *PostgresRepository) GetAccessGrant(ctx context.Context, userID, offerID int64) (*model.AccessGrant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, offer_id, status, note, requested_at, responded_at
		 FROM access_grants
		 WHERE user_id = $1 AND offer_id = $2`,
		userID, offerID,
	)

	var g model.AccessGrant
	err := row.Scan(&g.UserID, &g.OfferID, &g.Status, &g.Note, &g.RequestedAt, &g.RespondedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGrantNotFound
		}
		return nil, fmt.Errorf("get access grant: %w", err)
	}

	return &g, nil
}

// GetGrantsByUser возвращает все запросы доступа пользователя.
func (r *PostgresRepository) GetGrantsByUser(ctx context.Context, userID int64) ([]model.AccessGrant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, offer_id, status, note, requested_at, responded_at
		 FROM access_grants
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("get grants by user: %w", err)
	}
	defer rows.Close()

	var grants []model.AccessGrant
	for rows.Next() {
		var g model.AccessGrant
		if err := rows.Scan(&g.UserID, &g.OfferID, &g.Status, &g.Note, &g.RequestedAt, &g.RespondedAt); err != nil {
			return nil, fmt.Errorf("scan access grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return grants, nil
}

// UpsertAccessRequest создаёт запрос доступа или обновляет примечание уже
// существующего, не меняя его статус.
func (r *PostgresRepository) UpsertAccessRequest(ctx context.Context, userID, offerID int64, status model.GrantStatus, note string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO access_grants (user_id, offer_id, status, note)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, offer_id) DO UPDATE SET note = EXCLUDED.note`,
		userID, offerID, string(status), note,
	)
	if err != nil {
		return fmt.Errorf("upsert access request: %w", err)
	}
	return nil
}

// CreateClick сохраняет запись о клике и возвращает её идентификатор.
// Каждый вызов создаёт новую строку: клик — это событие, дедупликации нет.
func (r *PostgresRepository) CreateClick(ctx context.Context, c *model.Click) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO clicks (click_id, user_id, offer_id, ip, user_agent, referer, subid1, subid2, subid3)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		c.ClickID, c.UserID, c.OfferID, c.IP, c.UserAgent, c.Referer, c.SubID1, c.SubID2, c.SubID3,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create click: %w", err)
	}
	return id, nil
}

// UpdateClickGeo заполняет поля геолокации клика. Единственная мутация клика
// после создания.
func (r *PostgresRepository) UpdateClickGeo(ctx context.Context, id int64, country, city, region string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE clicks SET country = $2, city = $3, region = $4 WHERE id = $1`,
		id, country, city, region,
	)
	if err != nil {
		return fmt.Errorf("update click geo: %w", err)
	}
	return nil
}

// GetClickByClickID возвращает клик по строковому идентификатору из постбэка.
// При коллизии идентификаторов берётся самый ранний клик.
func (r *PostgresRepository) GetClickByClickID(ctx context.Context, clickID string) (*model.Click, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, click_id, user_id, offer_id, ip, user_agent, referer,
		        subid1, subid2, subid3, country, city, region, created_at
		 FROM clicks
		 WHERE click_id = $1
		 ORDER BY id
		 LIMIT 1`,
		clickID,
	)

	var c model.Click
	err := row.Scan(&c.ID, &c.ClickID, &c.UserID, &c.OfferID, &c.IP, &c.UserAgent, &c.Referer,
		&c.SubID1, &c.SubID2, &c.SubID3, &c.Country, &c.City, &c.Region, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClickNotFound
		}
		return nil, fmt.Errorf("get click: %w", err)
	}

	return &c, nil
}

// GetBalance возвращает баланс пользователя и сумму его реферальных начислений.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	var b model.Balance

	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM users WHERE id = $1`,
		userID,
	).Scan(&b.Current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get balance: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(e.amount), 0)
		 FROM referral_earnings e
		 JOIN referrals r ON r.id = e.referral_id
		 WHERE r.referrer_id = $1`,
		userID,
	).Scan(&b.ReferralEarned)
	if err != nil {
		return nil, fmt.Errorf("sum referral earnings: %w", err)
	}

	return &b, nil
}

// UserConversion описывает конверсию пользователя для списков в API.
type UserConversion struct {
	ClickID   string
	OfferName string
	Payout    decimal.Decimal
	Status    model.ConversionStatus
	CreatedAt time.Time
}

// GetConversionsByUser возвращает конверсии по кликам пользователя, новые первыми.
func (r *PostgresRepository) GetConversionsByUser(ctx context.Context, userID int64) ([]UserConversion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT cl.click_id, o.name, cv.payout, cv.status, cv.created_at
		 FROM conversions cv
		 JOIN clicks cl ON cl.id = cv.click_id
		 JOIN offers o ON o.id = cl.offer_id
		 WHERE cl.user_id = $1
		 ORDER BY cv.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select conversions: %w", err)
	}
	defer rows.Close()

	var res []UserConversion
	for rows.Next() {
		var c UserConversion
		if err := rows.Scan(&c.ClickID, &c.OfferName, &c.Payout, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversion: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetReferralLinkByCode возвращает активную реферальную ссылку по коду.
func (r *PostgresRepository) GetReferralLinkByCode(ctx context.Context, code string) (*model.ReferralLink, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, code, is_active, created_at
		 FROM referral_links
		 WHERE code = $1 AND is_active = TRUE`,
		code,
	)

	var l model.ReferralLink
	err := row.Scan(&l.ID, &l.UserID, &l.Code, &l.IsActive, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralLinkNotFound
		}
		return nil, fmt.Errorf("get referral link: %w", err)
	}

	return &l, nil
}

// GetOrCreateReferralLink возвращает реферальную ссылку пользователя,
// создавая её с предложенным кодом при отсутствии.
func (r *PostgresRepository) GetOrCreateReferralLink(ctx context.Context, userID int64, code string) (*model.ReferralLink, error) {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO referral_links (user_id, code)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, code,
	)
	if err != nil {
		return nil, fmt.Errorf("insert referral link: %w", err)
	}

	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, code, is_active, created_at
		 FROM referral_links
		 WHERE user_id = $1`,
		userID,
	)

	var l model.ReferralLink
	if err := row.Scan(&l.ID, &l.UserID, &l.Code, &l.IsActive, &l.CreatedAt); err != nil {
		return nil, fmt.Errorf("get referral link: %w", err)
	}

	return &l, nil
}

// CreateReferral фиксирует регистрацию пользователя по реферальной ссылке.
// На одного приглашённого — не более одной записи; повторы игнорируются.
func (r *PostgresRepository) CreateReferral(ctx context.Context, referralLinkID, referrerID, referredUserID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO referrals (referral_link_id, referrer_id, referred_user_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (referred_user_id) DO NOTHING`,
		referralLinkID, referrerID, referredUserID,
	)
	if err != nil {
		return fmt.Errorf("create referral: %w", err)
	}
	return nil
}
