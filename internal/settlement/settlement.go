// Package settlement реализует машину состояний конверсии: какие изменения
// баланса и реферальной комиссии влечёт сохранение конверсии с новым
// статусом.
package settlement

import (
	"github.com/shopspring/decimal"

	"github.com/mkurbatov/cpa-platform/internal/model"
)

// Effect описывает эффекты перехода статуса конверсии. Эффект на баланс
// партнёра применяется в одной транзакции с записью конверсии; реферальный
// каскад выполняется после её коммита и best-effort.
type Effect struct {
	// CreditUser — зачислить payout оффера партнёру.
	CreditUser bool
	// DebitUser — списать payout оффера с баланса партнёра (не ниже нуля).
	DebitUser bool
	// RunCascade — начислить комиссию рефереру, если у партнёра есть
	// активный реферал и комиссия за эту конверсию ещё не начислялась.
	RunCascade bool
	// ReverseCascade — удалить начисленные за конверсию комиссии и списать
	// их суммы с баланса реферера.
	ReverseCascade bool
}

// Evaluate сравнивает новый статус конверсии с ранее сохранённым (nil, если
// конверсии ещё не было) и возвращает эффекты перехода.
//
//	нет        -> approved: зачисление + каскад
//	нет        -> rejected: без эффектов
//	approved   -> rejected: списание + откат каскада
//	rejected   -> approved: зачисление + каскад
//	одинаковый -> одинаковый: без эффектов (повторный постбэк)
func Evaluate(prev *model.ConversionStatus, next model.ConversionStatus) Effect {
	if prev == nil {
		if next == model.ConversionStatusApproved {
			return Effect{CreditUser: true, RunCascade: true}
		}
		return Effect{}
	}

	if *prev == next {
		return Effect{}
	}

	switch next {
	case model.ConversionStatusApproved:
		return Effect{CreditUser: true, RunCascade: true}
	case model.ConversionStatusRejected:
		return Effect{DebitUser: true, ReverseCascade: true}
	}

	return Effect{}
}

// Commission возвращает сумму реферальной комиссии: payout оффера, умноженный
// на текущий сайтовый процент. Округление до цента.
func Commission(payout, percentage decimal.Decimal) decimal.Decimal {
	return payout.Mul(percentage).Div(decimal.NewFromInt(100)).Round(2)
}
