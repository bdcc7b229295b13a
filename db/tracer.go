package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/ietf-svn-conversion/mailarch/logger"
)

// queryTracer logs every SQL statement when database.log_queries is set.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	logger.Debug("DB: query start", "sql", data.SQL, "args", data.Args)
	return ctx
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if data.Err != nil {
		logger.Debug("DB: query end", "error", data.Err)
	}
}
