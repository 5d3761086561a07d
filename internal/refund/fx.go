package refund

import (
	"github.com/smallbiznis/commissary/internal/refund/repository"
	"github.com/smallbiznis/commissary/internal/refund/service"
	"go.uber.org/fx"
)

var Module = fx.Module("refund.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
