package energy

import (
	"github.com/smallbiznis/energyguard/internal/energy/repository"
	"github.com/smallbiznis/energyguard/internal/energy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("energy.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(NewTrustedPaymentVerifier),
)
