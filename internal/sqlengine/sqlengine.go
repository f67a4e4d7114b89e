// Package sqlengine embeds a per-planner SQL database for tabular data
// ingestion and the SQL worker: CSV files become TEXT-typed tables with
// sanitised identifiers, and generated queries run read-only against the
// resulting file.
package sqlengine

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Engine wraps one planner's on-disk SQL database. Spec.md mandates
// single-writer discipline per planner (one worker executes at a time by
// the serial-planner-chain invariant), so Engine does not itself add
// locking beyond sqlite's own.
type Engine struct {
	db   *sql.DB
	path string
}

// Open creates or opens the sqlite file at path. Ingestion and
// execute_sql_worker both call this; the latter does so read-only.
func Open(path string, readOnly bool) (*Engine, error) {
	dsn := path + "?_pragma=busy_timeout(5000)"
	if readOnly {
		dsn = path + "?mode=ro&_pragma=busy_timeout(5000)"
	} else {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlengine: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlengine: ping %s: %w", path, err)
	}
	return &Engine{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// ColumnMeta summarises one column of a loaded table.
type ColumnMeta struct {
	Name        string
	SampleCount int
	DistinctApx int
	Sample      []string
}

// TableMeta summarises a loaded tabular source: row count, a markdown
// rendering of the first ten rows, and per-column sample stats, attached to
// planners and copied into workers.
type TableMeta struct {
	TableName   string
	RowCount    int
	FirstRows   string // markdown table of the first 10 rows
	Columns     []ColumnMeta
}

var (
	nonAlnumToSpace = regexp.MustCompile(`[^a-zA-Z0-9]`)
	multiSpace      = regexp.MustCompile(`\s+`)
	nonAlnumUnder   = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// CleanTableName sanitises rawName into a usable SQL identifier, verifying
// acceptability with a live probe DDL against this engine and falling back
// to a "table_"-prefixed form if the probe itself is rejected.
func (e *Engine) CleanTableName(rawName string) (string, error) {
	if rawName == "" {
		rawName = "table"
	}
	cleaned := nonAlnumToSpace.ReplaceAllString(rawName, " ")
	cleaned = strings.ReplaceAll(strings.TrimSpace(multiSpace.ReplaceAllString(cleaned, " ")), " ", "_")
	if cleaned == "" {
		cleaned = "table"
	}
	if len(cleaned) > 0 && !isAlpha(cleaned[0]) {
		cleaned = "table_" + cleaned
	}
	if _, err := e.db.Exec(fmt.Sprintf(`CREATE TEMP VIEW IF NOT EXISTS %s AS SELECT 1 AS v`, quoteIdent(cleaned))); err != nil {
		return "table_" + cleaned, nil
	}
	if _, err := e.db.Exec(fmt.Sprintf(`DROP VIEW IF EXISTS %s`, quoteIdent(cleaned))); err != nil {
		return "", fmt.Errorf("sqlengine: drop probe view: %w", err)
	}
	return cleaned, nil
}

// CleanColumnName sanitises rawName into a usable SQL column identifier at
// position i (0-based, used for the fallback "col_NNN" name and for
// disambiguation suffixes), checking collisions against allCols and
// probing the engine for acceptability.
func (e *Engine) CleanColumnName(rawName string, i int, allCols []string) string {
	fallback := fmt.Sprintf("col_%03d", i)
	if rawName == "" {
		return fallback
	}
	cleaned := strings.ReplaceAll(rawName, "%", "percent")
	cleaned = nonAlnumUnder.ReplaceAllString(cleaned, "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		return fallback
	}
	if !isAlpha(cleaned[0]) {
		cleaned = "col_" + cleaned
	}
	if contains(allCols, cleaned) || contains(allCols, cleaned+"_") {
		return fmt.Sprintf("%s_%03d", cleaned, i)
	}
	if _, err := e.db.Query(fmt.Sprintf(`SELECT 1 AS %s`, quoteIdent(cleaned))); err != nil {
		return cleaned + "_"
	}
	return cleaned
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// quoteIdent wraps an already-sanitised identifier in double quotes; it is
// not a general SQL-injection defence, it only protects against sqlite
// keyword collisions in otherwise-clean identifiers.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// IngestCSV reads r as CSV, sanitises the table name from rawTableName and
// every header as a column name, creates the table, and bulk-inserts every
// row as TEXT, then computes TableMeta. All cell values are stored as text;
// callers that need typed columns CAST in their SQL.
func (e *Engine) IngestCSV(rawTableName string, r io.Reader) (*TableMeta, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("sqlengine: read csv header: %w", err)
	}

	tableName, err := e.CleanTableName(rawTableName)
	if err != nil {
		return nil, err
	}

	var cleanCols []string
	for i, h := range header {
		cleanCols = append(cleanCols, e.CleanColumnName(h, i, cleanCols))
	}

	var colDefs []string
	for _, c := range cleanCols {
		colDefs = append(colDefs, quoteIdent(c)+" TEXT")
	}
	ddl := fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(tableName), strings.Join(colDefs, ", "))
	if _, err := e.db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("sqlengine: create table %q: %w", tableName, err)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cleanCols)), ",")
	insertSQL := fmt.Sprintf(`INSERT INTO %s VALUES (%s)`, quoteIdent(tableName), placeholders)
	stmt, err := e.db.Prepare(insertSQL)
	if err != nil {
		return nil, fmt.Errorf("sqlengine: prepare insert: %w", err)
	}
	defer stmt.Close()

	rowCount := 0
	samples := make([][]string, len(cleanCols))
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("sqlengine: read csv row %d: %w", rowCount, err)
		}
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = v
			if len(samples[i]) < 5 {
				samples[i] = append(samples[i], v)
			}
		}
		if _, err := stmt.Exec(args...); err != nil {
			return nil, fmt.Errorf("sqlengine: insert row %d: %w", rowCount, err)
		}
		rowCount++
	}

	meta := &TableMeta{TableName: tableName, RowCount: rowCount}
	for i, c := range cleanCols {
		distinct := map[string]bool{}
		for _, v := range samples[i] {
			distinct[v] = true
		}
		meta.Columns = append(meta.Columns, ColumnMeta{Name: c, SampleCount: len(samples[i]), DistinctApx: len(distinct), Sample: samples[i]})
	}
	firstRows, err := e.QueryMarkdown(fmt.Sprintf("SELECT * FROM %s LIMIT 10", quoteIdent(tableName)))
	if err != nil {
		return nil, fmt.Errorf("sqlengine: render first rows: %w", err)
	}
	meta.FirstRows = firstRows
	return meta, nil
}

// Query executes sqlCode (expected to be SELECT-shaped) and returns the
// result set as column names plus row values, used by the SQL worker
// before rendering to markdown.
func (e *Engine) Query(ctx context.Context, sqlCode string) (cols []string, rows [][]string, err error) {
	res, err := e.db.QueryContext(ctx, sqlCode)
	if err != nil {
		return nil, nil, err
	}
	defer res.Close()

	cols, err = res.Columns()
	if err != nil {
		return nil, nil, err
	}
	for res.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := res.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(cols))
		for i, v := range raw {
			row[i] = formatCell(v)
		}
		rows = append(rows, row)
	}
	if err := res.Err(); err != nil {
		return nil, nil, err
	}
	return cols, rows, nil
}

func formatCell(v any) string {
	switch vv := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(vv)
	case string:
		return vv
	case int64:
		return strconv.FormatInt(vv, 10)
	case float64:
		return strconv.FormatFloat(vv, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", vv)
	}
}

// QueryMarkdown executes sqlCode and renders the result set as a GitHub
// flavoured markdown table, the form execute_sql_worker appends to a
// worker's message log on success.
func (e *Engine) QueryMarkdown(sqlCode string) (string, error) {
	cols, rows, err := e.Query(context.Background(), sqlCode)
	if err != nil {
		return "", err
	}
	return RenderMarkdownTable(cols, rows), nil
}

// RenderMarkdownTable renders cols/rows as a GitHub flavoured markdown
// table. Exported so handlers can render query results without going
// through a live Engine (e.g. when composing messages from cached data).
func RenderMarkdownTable(cols []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString("| ")
	b.WriteString(strings.Join(cols, " | "))
	b.WriteString(" |\n|")
	for range cols {
		b.WriteString(" --- |")
	}
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString("| ")
		b.WriteString(strings.Join(row, " | "))
		b.WriteString(" |\n")
	}
	return b.String()
}

// SortedColumnNames returns names sorted lexically, used by tests and
// diagnostics that want a deterministic column ordering independent of the
// CSV's original header order.
func SortedColumnNames(cols []ColumnMeta) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	sort.Strings(names)
	return names
}
