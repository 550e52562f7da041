package ports

import "context"

// Tx is an opaque transaction handle; the persistence adapter owns the concrete type.
type Tx interface{}

// UnitOfWork defines a transaction boundary. Returning an error from fn rolls back.
// Repositories called with the callback context join the transaction.
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

func WithTxContext(ctx context.Context, tx Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func TxFromContext(ctx context.Context) Tx {
	if ctx == nil {
		return nil
	}
	return ctx.Value(txKey{})
}
