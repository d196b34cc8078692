package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// TableName is the table queries read the rows from.
const TableName = "df"

// DefaultTimeout bounds a query when no timeout is given.
const DefaultTimeout = 5 * time.Second

var (
	// ErrQuery classifies failures caused by the query text.
	ErrQuery = errors.New("invalid query")
	// ErrQueryTimeout is returned when a query outlives its timeout.
	ErrQueryTimeout = errors.New("query timed out")
)

// Query loads t into a private in-memory SQLite database as table df and runs
// query against it read-only. Lists and objects are stored as JSON text.
// When the result lacks an X or a Y column, its first three columns are
// renamed X, Y and Z.
func Query(ctx context.Context, t Table, query string, timeout time.Duration) ([]map[string]interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := checkSelect(query); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", "file::memory:")
	if err != nil {
		return nil, errors.Wrap(err, "open query database")
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open query connection")
	}
	defer conn.Close()

	if err := load(ctx, conn, t); err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
		return nil, errors.Wrap(err, "lock query database")
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := run(qctx, conn, query)
	if err != nil {
		if ctx.Err() == nil && qctx.Err() != nil {
			return nil, ErrQueryTimeout
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrQuery, err)
	}
	return out, nil
}

// checkSelect admits a single SELECT or WITH statement. Anything else, ATTACH
// in particular, could reach beyond the private database.
func checkSelect(query string) error {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return fmt.Errorf("%w: empty query", ErrQuery)
	}
	if strings.Contains(q, ";") {
		return fmt.Errorf("%w: only a single statement is allowed", ErrQuery)
	}
	head := strings.ToLower(strings.Fields(q)[0])
	if head != "select" && head != "with" {
		return fmt.Errorf("%w: only SELECT statements are allowed", ErrQuery)
	}
	return nil
}

// load creates df with one untyped column per table column and inserts the rows.
func load(ctx context.Context, conn *sql.Conn, t Table) error {
	columns := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		columns[i] = quote(c)
	}
	if len(columns) == 0 {
		columns = []string{quote("id")}
	}
	ddl := fmt.Sprintf("CREATE TABLE %s (%s)", quote(TableName), strings.Join(columns, ", "))
	if _, err := conn.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, "create query table")
	}
	if len(t.Rows) == 0 || len(t.Columns) == 0 {
		return nil
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin load")
	}
	defer tx.Rollback()

	sb := sq.StatementBuilder.PlaceholderFormat(sq.Question).RunWith(tx)
	for _, row := range t.Rows {
		values := make([]interface{}, len(t.Columns))
		for i, c := range t.Columns {
			v, err := sqlValue(row[c])
			if err != nil {
				return errors.Wrapf(err, "encode column %s", c)
			}
			values[i] = v
		}
		if _, err := sb.Insert(quote(TableName)).Columns(columns...).Values(values...).ExecContext(ctx); err != nil {
			return errors.Wrap(err, "load row")
		}
	}
	return errors.Wrap(tx.Commit(), "commit load")
}

func run(ctx context.Context, conn *sql.Conn, query string) ([]map[string]interface{}, error) {
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	names := renameAxes(columns)

	out := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]interface{}, len(columns))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			record[names[i]] = v
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// renameAxes names the first three columns X, Y and Z unless both X and Y exist.
func renameAxes(columns []string) []string {
	names := append([]string(nil), columns...)
	var hasX, hasY bool
	for _, c := range columns {
		hasX = hasX || c == "X"
		hasY = hasY || c == "Y"
	}
	if hasX && hasY {
		return names
	}
	for i, axis := range []string{"X", "Y", "Z"} {
		if i < len(names) {
			names[i] = axis
		}
	}
	return names
}

func sqlValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case []interface{}, map[string]interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return v, nil
	}
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
