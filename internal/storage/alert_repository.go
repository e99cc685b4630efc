package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	alertRuleColumns = `id, name, metric_key, threshold::text, window_seconds, debounce_seconds, severity, owner_email, is_active, created_at, updated_at`

	getAlertRuleSQL       = `SELECT ` + alertRuleColumns + ` FROM alert_rules WHERE id = $1;`
	getAlertRuleByNameSQL = `SELECT ` + alertRuleColumns + ` FROM alert_rules WHERE name = $1;`

	insertAlertRuleSQL = `INSERT INTO alert_rules (
        id, name, metric_key, threshold, window_seconds, debounce_seconds, severity, owner_email, is_active, created_at, updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10
    );`

	updateAlertRuleSQL = `UPDATE alert_rules
    SET metric_key       = $2,
        threshold        = $3,
        window_seconds   = $4,
        debounce_seconds = $5,
        severity         = $6,
        owner_email      = $7,
        is_active        = $8,
        updated_at       = $9
    WHERE id = $1
    RETURNING ` + alertRuleColumns + `;`

	lockAlertRuleSQL = `SELECT pg_advisory_xact_lock(hashtext($1));`

	latestAlertEventAfterSQL = `SELECT EXISTS (
        SELECT 1 FROM alert_events
        WHERE rule_id = $1
          AND created_at > $2
    );`

	insertAlertEventSQL = `INSERT INTO alert_events (id, rule_id, status, details, created_at)
    VALUES ($1,$2,$3,$4,$5);`

	countAlertEventsSQL = `SELECT COUNT(*) FROM alert_events WHERE rule_id = $1;`

	listAlertEventsBetweenSQL = `SELECT id, rule_id, status, details, created_at
    FROM alert_events
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`
)

// GetAlertRule loads a rule by id.
func (s *Store) GetAlertRule(ctx context.Context, id uuid.UUID) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	rule, err := scanAlertRule(pool.QueryRow(ctx, getAlertRuleSQL, id))
	if err != nil {
		return AlertRule{}, notFound("get alert rule", err)
	}
	return rule, nil
}

// GetAlertRuleByName loads a rule by its unique name.
func (s *Store) GetAlertRuleByName(ctx context.Context, name string) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	rule, err := scanAlertRule(pool.QueryRow(ctx, getAlertRuleByNameSQL, name))
	if err != nil {
		return AlertRule{}, notFound("get alert rule by name", err)
	}
	return rule, nil
}

// InsertAlertRule stores a rule. ErrDuplicate is returned when the name exists.
func (s *Store) InsertAlertRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.UpdatedAt = rule.CreatedAt

	_, err = pool.Exec(ctx, insertAlertRuleSQL,
		rule.ID, rule.Name, rule.MetricKey, rule.Threshold.String(), rule.WindowSeconds, rule.DebounceSeconds,
		rule.Severity, rule.OwnerEmail, rule.IsActive, rule.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return AlertRule{}, fmt.Errorf("insert alert rule: %w", ErrDuplicate)
		}
		return AlertRule{}, fmt.Errorf("insert alert rule: %w", err)
	}
	return rule, nil
}

// UpdateAlertRule overwrites the mutable fields of an existing rule.
func (s *Store) UpdateAlertRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	updated, err := scanAlertRule(pool.QueryRow(ctx, updateAlertRuleSQL,
		rule.ID, rule.MetricKey, rule.Threshold.String(), rule.WindowSeconds, rule.DebounceSeconds,
		rule.Severity, rule.OwnerEmail, rule.IsActive, time.Now().UTC(),
	))
	if err != nil {
		return AlertRule{}, notFound("update alert rule", err)
	}
	return updated, nil
}

// InsertAlertEventIfQuiet serialises writers per rule with a transaction-scoped
// advisory lock, then inserts the event only when nothing newer than cutoff exists.
func (s *Store) InsertAlertEventIfQuiet(ctx context.Context, event AlertEvent, cutoff time.Time) (AlertEvent, bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	details, err := marshalJSON(event.Details)
	if err != nil {
		return AlertEvent{}, false, fmt.Errorf("marshal alert details: %w", err)
	}

	inserted := false
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, lockAlertRuleSQL, event.RuleID.String()); err != nil {
			return fmt.Errorf("lock alert rule: %w", err)
		}
		var recent bool
		if err := tx.QueryRow(ctx, latestAlertEventAfterSQL, event.RuleID, cutoff).Scan(&recent); err != nil {
			return fmt.Errorf("check recent alert: %w", err)
		}
		if recent {
			return nil
		}
		if _, err := tx.Exec(ctx, insertAlertEventSQL, event.ID, event.RuleID, event.Status, details, event.CreatedAt); err != nil {
			return fmt.Errorf("insert alert event: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return AlertEvent{}, false, err
	}
	if !inserted {
		return AlertEvent{}, false, nil
	}
	return event, true, nil
}

// CountAlertEvents returns how many events a rule has fired.
func (s *Store) CountAlertEvents(ctx context.Context, ruleID uuid.UUID) (int64, error) {
	return s.count(ctx, "count alert events", countAlertEventsSQL, ruleID)
}

// ListAlertEventsBetween returns events in [from, to).
func (s *Store) ListAlertEventsBetween(ctx context.Context, from, to time.Time) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listAlertEventsBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("query alert events: %w", err)
	}
	defer rows.Close()

	var events []AlertEvent
	for rows.Next() {
		var (
			event AlertEvent
			raw   []byte
		)
		if err := rows.Scan(&event.ID, &event.RuleID, &event.Status, &raw, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		if event.Details, err = unmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("decode alert details: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert events: %w", err)
	}
	return events, nil
}

func scanAlertRule(row rowScanner) (AlertRule, error) {
	var (
		rule      AlertRule
		threshold string
	)
	err := row.Scan(&rule.ID, &rule.Name, &rule.MetricKey, &threshold, &rule.WindowSeconds, &rule.DebounceSeconds,
		&rule.Severity, &rule.OwnerEmail, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return AlertRule{}, err
	}
	if rule.Threshold, err = parseDecimal("threshold", threshold); err != nil {
		return AlertRule{}, err
	}
	return rule, nil
}
