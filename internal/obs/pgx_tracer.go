package obs

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxStatementLen = 300

type pgxSpanKey struct{}

// PGXTracer opens a span per statement named after its operation and table,
// e.g. "UPDATE payment_sessions". Statements run on behalf of a tagged
// request also carry the order id and payment reference.
type PGXTracer struct{}

// TraceQueryStart implements pgx.QueryTracer.
func (PGXTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op, table := statementTarget(data.SQL)
	name := "pgx " + op
	if table != "" {
		name = op + " " + table
	}
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.statement", truncateSQL(data.SQL)),
	}
	if table != "" {
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}
	attrs = append(attrs, checkoutAttributes(CheckoutTagsFrom(ctx))...)
	ctx, span := otel.Tracer("db.pgx").Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return context.WithValue(ctx, pgxSpanKey{}, span)
}

// TraceQueryEnd implements pgx.QueryTracer.
func (PGXTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span, ok := ctx.Value(pgxSpanKey{}).(trace.Span)
	if !ok {
		return
	}
	span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	if data.Err != nil {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	}
	span.End()
}

func checkoutAttributes(tags *CheckoutTags) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if id := tags.OrderID(); id != "" {
		attrs = append(attrs, attribute.String("checkout.order_id", id))
	}
	if ref := tags.PaymentRef(); ref != "" {
		attrs = append(attrs, attribute.String("checkout.payment_ref", ref))
	}
	return attrs
}

// statementTarget returns the upper-cased verb of sql and the first table it
// names after FROM, INTO, UPDATE or JOIN. WITH statements report their
// first data-modifying verb.
func statementTarget(sql string) (op, table string) {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "QUERY", ""
	}
	op = strings.ToUpper(fields[0])
	for i, f := range fields {
		switch strings.ToUpper(f) {
		case "INSERT", "UPDATE", "DELETE":
			if op == "WITH" {
				op = strings.ToUpper(f)
			}
		}
		if i+1 >= len(fields) {
			break
		}
		switch strings.ToUpper(f) {
		case "FROM", "INTO", "UPDATE", "JOIN":
			next, _, _ := strings.Cut(strings.TrimLeft(fields[i+1], "("), "(")
			next = strings.TrimRight(next, "),;")
			if next != "" && !strings.EqualFold(next, "SELECT") && table == "" {
				table = strings.ToLower(next)
			}
		}
	}
	return op, table
}

func truncateSQL(sql string) string {
	trimmed := strings.TrimSpace(sql)
	if len(trimmed) > maxStatementLen {
		return trimmed[:maxStatementLen] + "..."
	}
	return trimmed
}
