package db

import (
	"fmt"
	"strings"
	"time"
)

// augmentDSN appends session settings to a DSN unless they are already present.
// Supports both URL format (postgresql://...) and key=value format.
func augmentDSN(dsn string, statementTimeout time.Duration, applicationName string) string {
	if dsn == "" {
		return dsn
	}

	var params []string
	if statementTimeout > 0 && !strings.Contains(dsn, "statement_timeout") {
		params = append(params, fmt.Sprintf("statement_timeout=%d", statementTimeout.Milliseconds()))
	}
	if applicationName != "" && !strings.Contains(dsn, "application_name") {
		params = append(params, "application_name="+applicationName)
	}
	if len(params) == 0 {
		return dsn
	}

	if strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "postgres://") {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		return dsn + separator + strings.Join(params, "&")
	}

	return dsn + " " + strings.Join(params, " ")
}
