package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// nullableDate converts an optional date to a pgtype.Date.
func nullableDate(value *time.Time) pgtype.Date {
	if value == nil {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: *value, Valid: true}
}

// dateOrNil is the inverse of nullableDate.
func dateOrNil(value pgtype.Date) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

// timeOrNil converts a nullable timestamp.
func timeOrNil(value pgtype.Timestamptz) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
