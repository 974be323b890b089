package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles the request context with an optional transaction handle.
// Repos run against Tx when set, the shared pool otherwise.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}

func Background() Context {
	return Context{Ctx: context.Background()}
}
