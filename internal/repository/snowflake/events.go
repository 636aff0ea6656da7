// Package snowflake implements the read-only event source against a
// Snowflake warehouse. Reports and scores are always written to Postgres;
// this backend only feeds the journey builder.
package snowflake

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // Snowflake driver

	"github.com/ignite/attribution-pipeline/internal/config"
	"github.com/ignite/attribution-pipeline/internal/domain"
)

// EventSource implements repository.EventReader against Snowflake.
type EventSource struct {
	db *sql.DB
}

// DSN builds the gosnowflake connection string:
// user:password@account/database/schema?warehouse=xxx
func DSN(cfg config.SnowflakeConfig) string {
	dsn := cfg.User + ":" + cfg.Password + "@" + cfg.Account + "/" + cfg.Database + "/" + cfg.Schema
	if cfg.Warehouse != "" {
		dsn += "?warehouse=" + cfg.Warehouse
	}
	return dsn
}

// Open connects to the warehouse and verifies the connection.
func Open(ctx context.Context, cfg config.SnowflakeConfig) (*EventSource, error) {
	db, err := sql.Open("snowflake", DSN(cfg))
	if err != nil {
		return nil, &domain.StorageError{Op: "open snowflake", Err: err}
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &domain.StorageError{Op: "ping snowflake", Err: err}
	}
	return &EventSource{db: db}, nil
}

// Close releases the connection pool.
func (s *EventSource) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ReadEvents loads touchpoint events in [windowStart-lookback, windowEnd),
// ordered by customer then time.
func (s *EventSource) ReadEvents(ctx context.Context, windowStart, windowEnd time.Time, lookback time.Duration) ([]domain.TouchpointEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CUSTOMER_ID, CHANNEL, EVENT_TS, EVENT_TYPE, COALESCE(ATTRIBUTES, '{}')
		FROM ATTRIBUTION_EVENTS
		WHERE EVENT_TS >= ? AND EVENT_TS < ?
		ORDER BY CUSTOMER_ID, EVENT_TS
	`, windowStart.Add(-lookback), windowEnd)
	if err != nil {
		return nil, &domain.StorageError{Op: "read events", Err: err}
	}
	defer rows.Close()

	var events []domain.TouchpointEvent
	for rows.Next() {
		var (
			ev    domain.TouchpointEvent
			kind  string
			attrs string
		)
		if err := rows.Scan(&ev.CustomerID, &ev.Channel, &ev.Timestamp, &kind, &attrs); err != nil {
			return nil, &domain.StorageError{Op: "scan event", Err: err}
		}
		ev.EventType = domain.EventType(kind)
		if attrs != "" {
			if err := json.Unmarshal([]byte(attrs), &ev.Attributes); err != nil {
				return nil, &domain.StorageError{Op: "decode event attributes", Err: err}
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "read events", Err: err}
	}
	return events, nil
}

// ReadChannelCosts sums per-channel spend over the run window.
func (s *EventSource) ReadChannelCosts(ctx context.Context, windowStart, windowEnd time.Time) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CHANNEL, COALESCE(SUM(COST), 0)
		FROM CHANNEL_COSTS
		WHERE COST_DATE >= ? AND COST_DATE < ?
		GROUP BY CHANNEL
	`, windowStart, windowEnd)
	if err != nil {
		return nil, &domain.StorageError{Op: "read channel costs", Err: err}
	}
	defer rows.Close()

	costs := make(map[string]float64)
	for rows.Next() {
		var (
			channel string
			cost    float64
		)
		if err := rows.Scan(&channel, &cost); err != nil {
			return nil, &domain.StorageError{Op: "scan channel cost", Err: err}
		}
		costs[channel] = cost
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageError{Op: "read channel costs", Err: err}
	}
	return costs, nil
}
