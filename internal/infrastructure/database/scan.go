package database

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(entity string) error {
	return errors.NewNotFoundError(entity)
}

// limitOrAll maps a non-positive limit to "no limit" for a LIMIT parameter.
func limitOrAll(limit int) int64 {
	if limit <= 0 {
		return math.MaxInt32
	}
	return int64(limit)
}

// Postgres hands back timestamps in the session zone; the domain works in UTC.
func utc(ts ...*time.Time) {
	for _, t := range ts {
		*t = t.UTC()
	}
}

func utcPtr(ts ...*time.Time) {
	for _, t := range ts {
		if t != nil {
			*t = t.UTC()
		}
	}
}

// nullableID stores uuid.Nil as NULL.
func nullableID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func idOrNil(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}

func encodeJSON(v map[string]interface{}) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewValidationError(errors.CodeInvalidInput, "details are not JSON encodable").WithCause(err)
	}
	return b, nil
}

func decodeJSON(b []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
