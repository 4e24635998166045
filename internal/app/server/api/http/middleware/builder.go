package middleware

import (
	"github.com/danielgtaylor/huma/v2"
)

// Container собирает middleware для следующего создаваемого обработчика
type Container struct {
	huma.Middlewares
}

func NewContainer() *Container {
	return &Container{
		Middlewares: make(huma.Middlewares, 0),
	}
}

// Add добавляет middleware в порядке вызова и возвращает контейнер для цепочки
func (mc *Container) Add(middlewares ...func(ctx huma.Context, next func(huma.Context))) *Container {
	mc.Middlewares = append(mc.Middlewares, middlewares...)
	return mc
}

// GetAllAndClear отдает собранные middleware и очищает контейнер
func (mc *Container) GetAllAndClear() huma.Middlewares {
	result := mc.Middlewares
	mc.Middlewares = nil
	return result
}
