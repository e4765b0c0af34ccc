// Package model содержит доменные сущности CPA-платформы.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User представляет зарегистрированного партнёра (аффилиата).
type User struct {
	ID           int64
	Email        string
	PasswordHash []byte
	Balance      decimal.Decimal
	IsStaff      bool
	CreatedAt    time.Time
}

// Network описывает CPA-сеть и имена её параметров для клика и постбэка.
type Network struct {
	ID                   int64
	Key                  string
	Name                 string
	ClickIDParam         string
	PostbackClickIDParam string
	PostbackPayoutParam  string
	IsActive             bool
}

// Offer описывает рекламный оффер с привязкой к сети и ставкой выплаты.
type Offer struct {
	ID           int64
	NetworkID    int64
	Name         string
	URL          string
	Payout       decimal.Decimal
	NeedApproval bool
	IsActive     bool
	CreatedAt    time.Time
}

// GrantStatus описывает статус доступа пользователя к офферу.
type GrantStatus string

const (
	GrantStatusPending  GrantStatus = "pending"
	GrantStatusApproved GrantStatus = "approved"
	GrantStatusRejected GrantStatus = "rejected"
)

// AccessGrant описывает запрос доступа пользователя к офферу и его статус.
type AccessGrant struct {
	UserID      int64
	OfferID     int64
	Status      GrantStatus
	Note        string
	RequestedAt time.Time
	RespondedAt *time.Time
}

// VisitorMeta содержит данные посетителя, зафиксированные в момент клика.
type VisitorMeta struct {
	IP        string
	UserAgent string
	Referer   string
	SubID1    string
	SubID2    string
	SubID3    string
}

// Click представляет одно событие редиректа.
// ClickID уникален и неизменяем после создания: по нему сопоставляются постбэки.
// Поля геолокации заполняются асинхронно и являются единственными изменяемыми.
type Click struct {
	ID        int64
	ClickID   string
	UserID    int64
	OfferID   int64
	IP        string
	UserAgent string
	Referer   string
	SubID1    string
	SubID2    string
	SubID3    string
	Country   string
	City      string
	Region    string
	CreatedAt time.Time
}

// ConversionStatus описывает статус конверсии.
type ConversionStatus string

const (
	ConversionStatusApproved ConversionStatus = "approved"
	ConversionStatusRejected ConversionStatus = "rejected"
)

// Conversion описывает зафиксированный сетью исход по одному клику.
// Payout — сумма, зачисленная партнёру (копия ставки оффера на момент
// расчёта); NetworkClickID и NetworkPayout хранят сырые значения из
// постбэка для аудита.
type Conversion struct {
	ID             int64
	ClickID        int64
	Payout         decimal.Decimal
	Status         ConversionStatus
	NetworkClickID string
	NetworkPayout  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReferralLink описывает реферальную ссылку пользователя с уникальным кодом.
type ReferralLink struct {
	ID        int64
	UserID    int64
	Code      string
	IsActive  bool
	CreatedAt time.Time
}

// Referral фиксирует, что пользователь зарегистрировался по чужой
// реферальной ссылке. На одного приглашённого — не более одной записи.
type Referral struct {
	ID             int64
	ReferralLinkID int64
	ReferrerID     int64
	ReferredUserID int64
	CreatedAt      time.Time
}

// ReferralEarning фиксирует комиссию реферера за одну конверсию.
// На пару (реферал, конверсия) — не более одной записи.
type ReferralEarning struct {
	ID             int64
	ReferralID     int64
	ConversionID   int64
	Amount         decimal.Decimal
	PercentageUsed decimal.Decimal
	CreatedAt      time.Time
}

// Balance содержит текущий баланс пользователя и сумму реферальных начислений.
type Balance struct {
	Current        decimal.Decimal `json:"current"`
	ReferralEarned decimal.Decimal `json:"referral_earned"`
}
