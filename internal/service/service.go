// Package service реализует бизнес-логику CPA-платформы.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkurbatov/cpa-platform/internal/geoip"
	"github.com/mkurbatov/cpa-platform/internal/model"
	"github.com/mkurbatov/cpa-platform/internal/repository"
	"github.com/mkurbatov/cpa-platform/internal/tracking"
	"github.com/mkurbatov/cpa-platform/internal/validation"
)

// ErrAccessDenied возвращается при попытке клика без одобренного доступа к офферу.
var (
	ErrAccessDenied = errors.New("offer access not approved")
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMissingClickID возвращается, если в постбэке нет параметра click id.
	ErrMissingClickID = errors.New("missing click id parameter")
	// ErrForbidden возвращается, когда действие требует прав сотрудника.
	ErrForbidden = errors.New("staff permission required")
)

const enrichTimeout = 5 * time.Second

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, email string, passwordHash []byte) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetNetworkByKey(ctx context.Context, key string) (*model.Network, error)
	GetNetworkByID(ctx context.Context, id int64) (*model.Network, error)
	GetOfferByID(ctx context.Context, id int64) (*model.Offer, error)
	ListActiveOffers(ctx context.Context) ([]model.Offer, error)
	GetAccessGrant(ctx context.Context, userID, offerID int64) (*model.AccessGrant, error)
	GetGrantsByUser(ctx context.Context, userID int64) ([]model.AccessGrant, error)
	UpsertAccessRequest(ctx context.Context, userID, offerID int64, status model.GrantStatus, note string) error
	CreateClick(ctx context.Context, c *model.Click) (int64, error)
	UpdateClickGeo(ctx context.Context, id int64, country, city, region string) error
	GetClickByClickID(ctx context.Context, clickID string) (*model.Click, error)
	ApplyPostbackConversion(ctx context.Context, click *model.Click, payout decimal.Decimal, networkClickID, networkPayout string) (*repository.SettlementResult, error)
	UpdateConversionStatus(ctx context.Context, conversionID int64, next model.ConversionStatus) (*repository.SettlementResult, error)
	ApplyReferralCascade(ctx context.Context, userID, conversionID int64, payout, percentage decimal.Decimal) (bool, error)
	ReverseReferralCascade(ctx context.Context, conversionID int64) error
	GetBalance(ctx context.Context, userID int64) (*model.Balance, error)
	GetConversionsByUser(ctx context.Context, userID int64) ([]repository.UserConversion, error)
	GetReferralLinkByCode(ctx context.Context, code string) (*model.ReferralLink, error)
	GetOrCreateReferralLink(ctx context.Context, userID int64, code string) (*model.ReferralLink, error)
	CreateReferral(ctx context.Context, referralLinkID, referrerID, referredUserID int64) error
}

// Service содержит бизнес-логику CPA-платформы. Сайтовые настройки
// (базовый URL, реферальный процент) передаются при создании, а не читаются
// из глобального состояния.
type Service struct {
	repo        Repository
	geoClient   *geoip.Client
	logger      *zap.Logger
	siteURL     string
	referralPct decimal.Decimal
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом геолокации.
func NewService(repo Repository, geoClient *geoip.Client, logger *zap.Logger, siteURL string, referralPct decimal.Decimal) *Service {
	return &Service{
		repo:        repo,
		geoClient:   geoClient,
		logger:      logger,
		siteURL:     siteURL,
		referralPct: referralPct,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя. Непустой валидный
// реферальный код из cookies привязывает пользователя к рефереру;
// невалидный код молча игнорируется.
func (s *Service) RegisterUser(ctx context.Context, email, password, referralCode string) (int64, error) {
	hashed := hashPassword(email, password)
	id, err := s.repo.CreateUser(ctx, email, hashed)
	if err != nil {
		return 0, err
	}

	if referralCode != "" {
		s.attachReferral(ctx, id, referralCode)
	}

	return id, nil
}

func (s *Service) attachReferral(ctx context.Context, userID int64, code string) {
	link, err := s.repo.GetReferralLinkByCode(ctx, code)
	if err != nil {
		if !errors.Is(err, repository.ErrReferralLinkNotFound) {
			s.logger.Warn("resolve referral code", zap.String("code", code), zap.Error(err))
		}
		return
	}

	// Самореферал не засчитывается.
	if link.UserID == userID {
		return
	}

	if err := s.repo.CreateReferral(ctx, link.ID, link.UserID, userID); err != nil {
		s.logger.Warn("create referral", zap.Int64("userID", userID), zap.Error(err))
	}
}

// AuthenticateUser проверяет email и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(email, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// RecordClick проверяет права доступа, сохраняет клик и возвращает URL
// рекламодателя для редиректа. Обогащение геоданными запускается в фоне и
// не задерживает редирект.
func (s *Service) RecordClick(ctx context.Context, userID, offerID int64, meta model.VisitorMeta) (string, error) {
	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return "", err
	}

	offer, err := s.repo.GetOfferByID(ctx, offerID)
	if err != nil {
		return "", err
	}
	if !offer.IsActive {
		return "", repository.ErrOfferNotFound
	}

	grant, err := s.repo.GetAccessGrant(ctx, userID, offerID)
	if err != nil {
		if errors.Is(err, repository.ErrGrantNotFound) {
			return "", ErrAccessDenied
		}
		return "", err
	}
	if grant.Status != model.GrantStatusApproved {
		return "", ErrAccessDenied
	}

	clickID := tracking.NewClickID(userID, offerID, time.Now())

	rowID, err := s.repo.CreateClick(ctx, &model.Click{
		ClickID:   clickID,
		UserID:    userID,
		OfferID:   offerID,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
		Referer:   meta.Referer,
		SubID1:    meta.SubID1,
		SubID2:    meta.SubID2,
		SubID3:    meta.SubID3,
	})
	if err != nil {
		return "", err
	}

	if s.geoClient != nil && meta.IP != "" {
		go s.enrichClick(rowID, meta.IP)
	}

	network, err := s.repo.GetNetworkByID(ctx, offer.NetworkID)
	if err != nil {
		// Отсутствие сети не ломает редирект: используется параметр по
		// умолчанию.
		s.logger.Warn("network not resolved for offer, using default click id param",
			zap.Int64("offerID", offer.ID), zap.Error(err))
		network = nil
	}

	param := tracking.ResolveClickIDParam(network)
	if network != nil && param == tracking.DefaultClickIDParam && strings.TrimSpace(network.ClickIDParam) == "" {
		s.logger.Warn("network click id param unset, using default",
			zap.String("network", network.Key))
	}

	return tracking.BuildRedirectURL(offer.URL, param, clickID), nil
}

// enrichClick запрашивает геолокацию по IP и дописывает её в клик.
// Ошибки только логируются.
func (s *Service) enrichClick(clickRowID int64, ip string) {
	ctx, cancel := context.WithTimeout(context.Background(), enrichTimeout)
	defer cancel()

	loc, err := s.geoClient.Lookup(ctx, ip)
	if err != nil {
		s.logger.Warn("geo enrichment failed", zap.Int64("clickRowID", clickRowID), zap.Error(err))
		return
	}

	if err := s.repo.UpdateClickGeo(ctx, clickRowID, loc.Country, loc.City, loc.Region); err != nil {
		s.logger.Warn("save geo enrichment failed", zap.Int64("clickRowID", clickRowID), zap.Error(err))
	}
}

// HandlePostback обрабатывает входящий коллбэк сети: сопоставляет его с
// кликом и применяет конверсию. Зачисляемая сумма — текущая ставка оффера;
// сумма из постбэка не является доверенной и хранится только для аудита.
func (s *Service) HandlePostback(ctx context.Context, networkKey string, params url.Values) error {
	network, err := s.repo.GetNetworkByKey(ctx, networkKey)
	if err != nil {
		return err
	}

	clickIDValue := params.Get(network.PostbackClickIDParam)
	if clickIDValue == "" || !validation.IsValidClickID(clickIDValue) {
		return ErrMissingClickID
	}

	networkPayout := params.Get(network.PostbackPayoutParam)

	click, err := s.repo.GetClickByClickID(ctx, clickIDValue)
	if err != nil {
		return err
	}

	offer, err := s.repo.GetOfferByID(ctx, click.OfferID)
	if err != nil {
		return err
	}

	res, err := s.repo.ApplyPostbackConversion(ctx, click, offer.Payout, clickIDValue, networkPayout)
	if err != nil {
		return err
	}

	s.applyCascadeEffects(ctx, res)

	return nil
}

// SetConversionStatus применяет смену статуса конверсии от имени сотрудника.
func (s *Service) SetConversionStatus(ctx context.Context, actorID, conversionID int64, next model.ConversionStatus) error {
	actor, err := s.repo.GetUserByID(ctx, actorID)
	if err != nil {
		return err
	}
	if !actor.IsStaff {
		return ErrForbidden
	}

	res, err := s.repo.UpdateConversionStatus(ctx, conversionID, next)
	if err != nil {
		return err
	}

	s.applyCascadeEffects(ctx, res)

	return nil
}

// applyCascadeEffects выполняет реферальный каскад после коммита основного
// расчёта. Каскад best-effort: его ошибка логируется и не влияет на уже
// применённую конверсию и баланс партнёра.
func (s *Service) applyCascadeEffects(ctx context.Context, res *repository.SettlementResult) {
	if res.Effect.RunCascade {
		if _, err := s.repo.ApplyReferralCascade(ctx, res.UserID, res.ConversionID, res.Payout, s.referralPct); err != nil {
			s.logger.Error("referral cascade failed",
				zap.Int64("conversionID", res.ConversionID), zap.Error(err))
		}
	}

	if res.Effect.ReverseCascade {
		if err := s.repo.ReverseReferralCascade(ctx, res.ConversionID); err != nil {
			s.logger.Error("referral cascade reversal failed",
				zap.Int64("conversionID", res.ConversionID), zap.Error(err))
		}
	}
}

// OfferView описывает оффер вместе со статусом доступа пользователя.
type OfferView struct {
	Offer       model.Offer
	GrantStatus string
}

// ListOffersForUser возвращает активные офферы со статусом доступа пользователя.
func (s *Service) ListOffersForUser(ctx context.Context, userID int64) ([]OfferView, error) {
	offers, err := s.repo.ListActiveOffers(ctx)
	if err != nil {
		return nil, err
	}

	grants, err := s.repo.GetGrantsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	byOffer := make(map[int64]model.GrantStatus, len(grants))
	for _, g := range grants {
		byOffer[g.OfferID] = g.Status
	}

	res := make([]OfferView, 0, len(offers))
	for _, o := range offers {
		view := OfferView{Offer: o}
		if st, ok := byOffer[o.ID]; ok {
			view.GrantStatus = string(st)
		}
		res = append(res, view)
	}

	return res, nil
}

// RequestOfferAccess создаёт запрос доступа к офферу. Оффер без модерации
// одобряется сразу; повторный запрос статус не меняет.
func (s *Service) RequestOfferAccess(ctx context.Context, userID, offerID int64, note string) (model.GrantStatus, error) {
	offer, err := s.repo.GetOfferByID(ctx, offerID)
	if err != nil {
		return "", err
	}
	if !offer.IsActive {
		return "", repository.ErrOfferNotFound
	}

	status := model.GrantStatusPending
	if !offer.NeedApproval {
		status = model.GrantStatusApproved
	}

	if err := s.repo.UpsertAccessRequest(ctx, userID, offerID, status, note); err != nil {
		return "", err
	}

	grant, err := s.repo.GetAccessGrant(ctx, userID, offerID)
	if err != nil {
		return "", err
	}

	return grant.Status, nil
}

// GetBalance возвращает баланс пользователя.
func (s *Service) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.repo.GetBalance(ctx, userID)
}

// GetConversionsByUser возвращает конверсии пользователя.
func (s *Service) GetConversionsByUser(ctx context.Context, userID int64) ([]repository.UserConversion, error) {
	return s.repo.GetConversionsByUser(ctx, userID)
}

// GetReferralLink возвращает реферальную ссылку пользователя, создавая её
// при первом обращении, и полный URL для приглашений.
func (s *Service) GetReferralLink(ctx context.Context, userID int64) (*model.ReferralLink, string, error) {
	link, err := s.repo.GetOrCreateReferralLink(ctx, userID, newReferralCode())
	if err != nil {
		return nil, "", err
	}

	refURL := strings.TrimRight(s.siteURL, "/") + "/ref/" + link.Code + "/"
	return link, refURL, nil
}

// ResolveReferralCode проверяет реферальный код по хранилищу.
func (s *Service) ResolveReferralCode(ctx context.Context, code string) (*model.ReferralLink, error) {
	return s.repo.GetReferralLinkByCode(ctx, code)
}

func newReferralCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
