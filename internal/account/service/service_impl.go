package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/govfees/payrecon/internal/account/domain"
	"github.com/govfees/payrecon/pkg/db/option"
	"github.com/govfees/payrecon/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	accountrepo repository.Repository[accountdomain.PaymentAccount]
	siterepo    repository.Repository[accountdomain.CfsAccount]
}

func NewService(p ServiceParam) accountdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("account.service"),

		accountrepo: repository.ProvideStore[accountdomain.PaymentAccount](p.DB),
		siterepo:    repository.ProvideStore[accountdomain.CfsAccount](p.DB),
	}
}

func (s *Service) FindByAuthAccountID(ctx context.Context, authAccountID string) (*accountdomain.PaymentAccount, error) {
	return s.accountrepo.FindOne(ctx, &accountdomain.PaymentAccount{AuthAccountID: authAccountID})
}

func (s *Service) FindByCfsAccountNumber(ctx context.Context, cfsAccount string) (*accountdomain.PaymentAccount, *accountdomain.CfsAccount, error) {
	site, err := s.siterepo.FindOne(ctx,
		&accountdomain.CfsAccount{CfsAccount: cfsAccount},
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: []accountdomain.CfsAccountStatus{
			accountdomain.CfsAccountActive,
			accountdomain.CfsAccountFreeze,
			accountdomain.CfsAccountInactive,
		}}),
		option.OrderBy("created_at DESC"),
	)
	if err != nil {
		return nil, nil, err
	}
	if site == nil {
		return nil, nil, nil
	}

	var account accountdomain.PaymentAccount
	err = s.db.WithContext(ctx).First(&account, "id = ?", site.AccountID).Error
	if err != nil {
		return nil, nil, fmt.Errorf("load account %d: %w", site.AccountID, err)
	}
	return &account, site, nil
}

func (s *Service) EffectiveCfsAccount(ctx context.Context, accountID snowflake.ID, method accountdomain.PaymentMethod) (*accountdomain.CfsAccount, error) {
	sites, err := s.siterepo.Find(ctx,
		&accountdomain.CfsAccount{AccountID: accountID, PaymentMethod: method},
		option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: []accountdomain.CfsAccountStatus{
			accountdomain.CfsAccountActive,
			accountdomain.CfsAccountFreeze,
		}}),
		option.OrderBy("created_at DESC"),
	)
	if err != nil {
		return nil, err
	}
	if len(sites) == 0 {
		return nil, nil
	}

	// ACTIVE wins over FREEZE; most recent wins within a status. Two rows
	// sharing the effective status violate the one-effective-site invariant.
	best := sites[0]
	duplicates := 0
	for _, site := range sites[1:] {
		if site.Status == accountdomain.CfsAccountActive && best.Status != accountdomain.CfsAccountActive {
			best = site
			duplicates = 0
			continue
		}
		if site.Status == best.Status {
			duplicates++
		}
	}
	if duplicates > 0 {
		return nil, fmt.Errorf("account %d method %s: %w", accountID, method, accountdomain.ErrAmbiguousSite)
	}
	return best, nil
}
