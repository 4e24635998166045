package metrics

import (
	"github.com/danielgtaylor/huma/v2"
)

// Middleware считает запросы по шаблону пути, чтобы id в URL не раздували кардинальность
func (m *Metrics) Middleware() func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		next(ctx)
		path := ctx.URL().Path
		if op := ctx.Operation(); op != nil {
			path = op.Path
		}
		m.ObserveRequest(ctx.Method(), path, ctx.Status())
	}
}
