package web

import (
	"context"

	"github.com/artpar/paygate/domain/payment"
)

type ctxKey string

const paymentKey ctxKey = "payment"

// withPayment attaches the recorded payment to the context.
func withPayment(ctx context.Context, rec payment.Record) context.Context {
	return context.WithValue(ctx, paymentKey, rec)
}

// PaymentFromContext returns the payment recorded for an admitted paid
// request. Handlers mounted behind the payment middleware can use it to
// attribute work to the paying wallet. ok is false on free routes.
func PaymentFromContext(ctx context.Context) (rec payment.Record, ok bool) {
	rec, ok = ctx.Value(paymentKey).(payment.Record)
	return rec, ok
}
