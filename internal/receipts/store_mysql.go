package receipts

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/anumate/controlplane/internal/crypto"
)

// NewMySQLStore opens dsn with the MySQL driver and wraps it in a Store.
// The schema and every query Store runs are ANSI SQL with ? placeholders,
// so MySQL sits behind the same database/sql boundary as the pgx-backed
// production deployment; an operator picks this backend by setting
// ANUMATE_RECEIPTS_MYSQL_URL instead of ANUMATE_DATABASE_URL.
func NewMySQLStore(dsn string, keys crypto.KeyPair) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("receipts: open mysql: %w", err)
	}
	return NewStore(db, keys), nil
}
