package obs

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStatementTarget(t *testing.T) {
	cases := []struct {
		sql, op, table string
	}{
		{`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, "SELECT", "orders"},
		{`INSERT INTO payment_sessions(ref, order_id, amount) VALUES ($1, $2, $3)`, "INSERT", "payment_sessions"},
		{`UPDATE products p SET stock = p.stock + i.qty FROM (SELECT product_id FROM order_items) i`, "UPDATE", "products"},
		{`SELECT EXISTS (SELECT 1 FROM payment_sessions WHERE order_id = $1)`, "SELECT", "payment_sessions"},
		{`WITH s AS (SELECT 1) UPDATE orders SET status = $1`, "UPDATE", "orders"},
		{`  `, "QUERY", ""},
	}
	for _, tc := range cases {
		op, table := statementTarget(tc.sql)
		require.Equal(t, tc.op, op, tc.sql)
		require.Equal(t, tc.table, table, tc.sql)
	}
}

func TestPGXTracerCarriesCheckoutTags(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, _ := WithCheckoutTags(context.Background())
	TagOrder(ctx, "ord-42")
	TagPayment(ctx, "PS-42")

	var tracer PGXTracer
	qctx := tracer.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE payment_sessions SET status = $1 WHERE ref = $2"})
	tracer.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("UPDATE 1"), Err: errors.New("deadlock detected")})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "UPDATE payment_sessions", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "ord-42", attrs["checkout.order_id"])
	require.Equal(t, "PS-42", attrs["checkout.payment_ref"])
	require.Equal(t, "payment_sessions", attrs["db.sql.table"])
	require.Equal(t, "1", attrs["db.rows_affected"])
}
