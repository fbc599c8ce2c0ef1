package metrics

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// CountFunc returns a row count for a gauge.
type CountFunc func(ctx context.Context) (int64, error)

// GaugeSources feed the command queue gauges. Nil sources are skipped.
type GaugeSources struct {
	PendingCommands CountFunc
	StuckCommands   CountFunc
}

const gaugeQueryTimeout = 2 * time.Second

// DBSources builds gauge sources that count command_queue rows.
func DBSources(db *sql.DB, stuckAfter time.Duration) GaugeSources {
	if db == nil {
		return GaugeSources{}
	}
	return GaugeSources{
		PendingCommands: func(ctx context.Context) (int64, error) {
			return queryCount(ctx, db, "SELECT COUNT(*) FROM command_queue WHERE status = 'pending'")
		},
		StuckCommands: func(ctx context.Context) (int64, error) {
			cutoff := time.Now().UTC().Add(-stuckAfter)
			return queryCount(ctx, db, "SELECT COUNT(*) FROM command_queue WHERE status = 'pending' AND created_at < $1", cutoff)
		},
	}
}

func registerQueueGauges(sources GaugeSources, logger logrus.FieldLogger) {
	if sources.PendingCommands != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "commands_pending",
				Help: "Command entries not yet handed to the broker",
			},
			gaugeValue(sources.PendingCommands, logger),
		))
	}
	if sources.StuckCommands != nil {
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: metricPrefix + "commands_stuck",
				Help: "Pending command entries older than the stuck threshold",
			},
			gaugeValue(sources.StuckCommands, logger),
		))
	}
}

func gaugeValue(count CountFunc, logger logrus.FieldLogger) func() float64 {
	return func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), gaugeQueryTimeout)
		defer cancel()
		n, err := count(ctx)
		if err != nil {
			if logger != nil {
				logger.WithError(err).Warn("metrics query failed")
			}
			return 0
		}
		if n < 0 {
			return 0
		}
		return float64(n)
	}
}

func queryCount(ctx context.Context, db *sql.DB, query string, args ...any) (int64, error) {
	var count int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
