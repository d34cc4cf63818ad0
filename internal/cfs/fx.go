package cfs

import (
	"github.com/govfees/payrecon/internal/cfs/service"
	"go.uber.org/fx"
)

var Module = fx.Module("cfs.client",
	fx.Provide(service.NewClient),
)
