package eventstore

import (
	"github.com/smallbiznis/energyguard/internal/eventstore/repository"
	"github.com/smallbiznis/energyguard/internal/eventstore/service"
	"go.uber.org/fx"
)

var Module = fx.Module("eventstore.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
