package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/chat-realtime/internal/config"
)

// ApplicationName is reported to Postgres so diagnostics sessions are identifiable in pg_stat_activity.
const ApplicationName = "chat-realtime"

// BuildConnString builds a PostgreSQL connection URL from config.
// The password is escaped so special characters survive parsing.
func BuildConnString(cfg config.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	q := url.Values{}
	q.Set("application_name", ApplicationName)
	q.Set("sslmode", sslMode)

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
