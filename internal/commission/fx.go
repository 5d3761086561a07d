package commission

import (
	"github.com/smallbiznis/commissary/internal/commission/repository"
	"github.com/smallbiznis/commissary/internal/commission/service"
	"go.uber.org/fx"
)

var Module = fx.Module("commission",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
