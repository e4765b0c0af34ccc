package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mkurbatov/cpa-platform/internal/model"
	"github.com/mkurbatov/cpa-platform/internal/settlement"
)

// SettlementResult описывает исход применения конверсии: что записано и
// какие эффекты перехода остались для реферального каскада.
type SettlementResult struct {
	ConversionID int64
	UserID       int64
	Payout       decimal.Decimal
	Status       model.ConversionStatus
	Created      bool
	Effect       settlement.Effect
}

// addToBalance — единственная операция изменения баланса: знаковое
// прибавление с нижней границей ноль. Прямых присваиваний баланса в коде нет.
func addToBalance(ctx context.Context, tx pgx.Tx, userID int64, delta decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`UPDATE users SET balance = GREATEST(balance + $2, 0) WHERE id = $1`,
		userID, delta,
	)
	if err != nil {
		return fmt.Errorf("add to balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ApplyPostbackConversion создаёт или обновляет конверсию по постбэку в одной
// транзакции с изменением баланса. Строка клика блокируется FOR UPDATE, чтобы
// одновременные постбэки по одному click id выполнялись строго по очереди и
// переход none→approved не зачислил баланс дважды.
//
// Первый постбэк создаёт конверсию со статусом approved и зачисляет payout
// оффера. Повторный постбэк статус не меняет и баланс не трогает, но всегда
// перезаписывает аудитные поля network_click_id/network_payout.
func (r *PostgresRepository) ApplyPostbackConversion(ctx context.Context, click *model.Click, payout decimal.Decimal, networkClickID, networkPayout string) (*SettlementResult, error) {
	var res *SettlementResult

	err := r.withRetry(ctx, func() error {
		var txErr error
		res, txErr = r.applyPostbackTx(ctx, click, payout, networkClickID, networkPayout)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (r *PostgresRepository) applyPostbackTx(ctx context.Context, click *model.Click, payout decimal.Decimal, networkClickID, networkPayout string) (*SettlementResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockClick(ctx, tx, click.ID); err != nil {
		return nil, err
	}

	var (
		conversionID int64
		prevStatus   model.ConversionStatus
	)
	err = tx.QueryRow(ctx,
		`SELECT id, status FROM conversions WHERE click_id = $1`,
		click.ID,
	).Scan(&conversionID, &prevStatus)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		effect := settlement.Evaluate(nil, model.ConversionStatusApproved)

		err = tx.QueryRow(ctx,
			`INSERT INTO conversions (click_id, payout, status, network_click_id, network_payout)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			click.ID, payout, string(model.ConversionStatusApproved), networkClickID, networkPayout,
		).Scan(&conversionID)
		if err != nil {
			return nil, fmt.Errorf("insert conversion: %w", err)
		}

		if effect.CreditUser {
			if err := addToBalance(ctx, tx, click.UserID, payout); err != nil {
				return nil, err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}

		return &SettlementResult{
			ConversionID: conversionID,
			UserID:       click.UserID,
			Payout:       payout,
			Status:       model.ConversionStatusApproved,
			Created:      true,
			Effect:       effect,
		}, nil

	case err != nil:
		return nil, fmt.Errorf("select conversion: %w", err)
	}

	// Повторный постбэк: статус остаётся прежним, обновляются только
	// аудитные поля.
	_, err = tx.Exec(ctx,
		`UPDATE conversions
		 SET network_click_id = $2, network_payout = $3, updated_at = now()
		 WHERE id = $1`,
		conversionID, networkClickID, networkPayout,
	)
	if err != nil {
		return nil, fmt.Errorf("update conversion audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &SettlementResult{
		ConversionID: conversionID,
		UserID:       click.UserID,
		Payout:       payout,
		Status:       prevStatus,
		Effect:       settlement.Evaluate(&prevStatus, prevStatus),
	}, nil
}

// UpdateConversionStatus применяет смену статуса конверсии (действие
// администратора) в одной транзакции с изменением баланса. Блокировка той же
// строки клика сериализует операцию с обработкой постбэков.
func (r *PostgresRepository) UpdateConversionStatus(ctx context.Context, conversionID int64, next model.ConversionStatus) (*SettlementResult, error) {
	var res *SettlementResult

	err := r.withRetry(ctx, func() error {
		var txErr error
		res, txErr = r.updateStatusTx(ctx, conversionID, next)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (r *PostgresRepository) updateStatusTx(ctx context.Context, conversionID int64, next model.ConversionStatus) (*SettlementResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		clickID int64
		userID  int64
		payout  decimal.Decimal
		prev    model.ConversionStatus
	)
	err = tx.QueryRow(ctx,
		`SELECT cv.click_id, cl.user_id, cv.payout, cv.status
		 FROM conversions cv
		 JOIN clicks cl ON cl.id = cv.click_id
		 WHERE cv.id = $1`,
		conversionID,
	).Scan(&clickID, &userID, &payout, &prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversionNotFound
		}
		return nil, fmt.Errorf("select conversion: %w", err)
	}

	// Порядок блокировок тот же, что в постбэке: сначала строка клика.
	if err := lockClick(ctx, tx, clickID); err != nil {
		return nil, err
	}

	// Статус мог измениться до получения блокировки — перечитываем.
	err = tx.QueryRow(ctx,
		`SELECT status FROM conversions WHERE id = $1`,
		conversionID,
	).Scan(&prev)
	if err != nil {
		return nil, fmt.Errorf("reread conversion status: %w", err)
	}

	effect := settlement.Evaluate(&prev, next)

	_, err = tx.Exec(ctx,
		`UPDATE conversions SET status = $2, updated_at = now() WHERE id = $1`,
		conversionID, string(next),
	)
	if err != nil {
		return nil, fmt.Errorf("update conversion status: %w", err)
	}

	if effect.CreditUser {
		if err := addToBalance(ctx, tx, userID, payout); err != nil {
			return nil, err
		}
	}
	if effect.DebitUser {
		if err := addToBalance(ctx, tx, userID, payout.Neg()); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &SettlementResult{
		ConversionID: conversionID,
		UserID:       userID,
		Payout:       payout,
		Status:       next,
		Effect:       effect,
	}, nil
}

func lockClick(ctx context.Context, tx pgx.Tx, clickID int64) error {
	var dummy int
	err := tx.QueryRow(ctx, `SELECT 1 FROM clicks WHERE id = $1 FOR UPDATE`, clickID).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrClickNotFound
		}
		return fmt.Errorf("lock click for update: %w", err)
	}
	return nil
}

// ApplyReferralCascade начисляет комиссию рефереру за конверсию, если у
// пользователя есть активный реферал и комиссия за эту конверсию ещё не
// начислялась. Возвращает true, если начисление произошло.
//
// Выполняется отдельной транзакцией после коммита основного расчёта; ошибки
// каскада не откатывают конверсию и баланс партнёра.
func (r *PostgresRepository) ApplyReferralCascade(ctx context.Context, userID, conversionID int64, payout, percentage decimal.Decimal) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		referralID int64
		referrerID int64
	)
	err = tx.QueryRow(ctx,
		`SELECT r.id, r.referrer_id
		 FROM referrals r
		 JOIN referral_links rl ON rl.id = r.referral_link_id
		 WHERE r.referred_user_id = $1 AND rl.is_active = TRUE`,
		userID,
	).Scan(&referralID, &referrerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select referral: %w", err)
	}

	amount := settlement.Commission(payout, percentage)

	// Уникальность (referral_id, conversion_id) защищает от повторного
	// начисления комиссии за одну конверсию.
	tag, err := tx.Exec(ctx,
		`INSERT INTO referral_earnings (referral_id, conversion_id, amount, percentage_used)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (referral_id, conversion_id) DO NOTHING`,
		referralID, conversionID, amount, percentage,
	)
	if err != nil {
		return false, fmt.Errorf("insert referral earning: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := addToBalance(ctx, tx, referrerID, amount); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}

	return true, nil
}

// ReverseReferralCascade удаляет начисленные за конверсию комиссии и
// списывает их суммы с балансов рефереров. Также выполняется отдельной
// best-effort транзакцией.
func (r *PostgresRepository) ReverseReferralCascade(ctx context.Context, conversionID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT e.id, e.amount, r.referrer_id
		 FROM referral_earnings e
		 JOIN referrals r ON r.id = e.referral_id
		 WHERE e.conversion_id = $1
		 FOR UPDATE OF e`,
		conversionID,
	)
	if err != nil {
		return fmt.Errorf("select referral earnings: %w", err)
	}

	type earning struct {
		id         int64
		amount     decimal.Decimal
		referrerID int64
	}

	var earnings []earning
	for rows.Next() {
		var e earning
		if err := rows.Scan(&e.id, &e.amount, &e.referrerID); err != nil {
			rows.Close()
			return fmt.Errorf("scan referral earning: %w", err)
		}
		earnings = append(earnings, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	for _, e := range earnings {
		if err := addToBalance(ctx, tx, e.referrerID, e.amount.Neg()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM referral_earnings WHERE id = $1`, e.id); err != nil {
			return fmt.Errorf("delete referral earning: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}
