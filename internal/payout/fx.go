package payout

import (
	"github.com/smallbiznis/commissary/internal/payout/gateway"
	"github.com/smallbiznis/commissary/internal/payout/repository"
	"github.com/smallbiznis/commissary/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(repository.Provide),
	fx.Provide(gateway.NewClient),
	fx.Provide(service.NewService),
)
