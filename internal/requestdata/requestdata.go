package requestdata

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// RequestData is the per-request identity resolved by middleware. Session
// management itself lives upstream; this service only needs the owner id.
type RequestData struct {
	UserID uuid.UUID
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, ctxKey{}, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	rd, _ := ctx.Value(ctxKey{}).(*RequestData)
	return rd
}
