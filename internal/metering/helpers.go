package metering

import "database/sql"

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
