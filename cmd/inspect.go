package cmd

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iksnae/session-vault/internal/adapters/cursor"
)

// columnInfo is one row of PRAGMA table_info
type columnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null,omitempty"`
	PrimaryKey bool   `json:"primary_key,omitempty"`
}

// tableInfo describes one table of an inspected database
type tableInfo struct {
	Name    string              `json:"name"`
	Rows    int                 `json:"rows"`
	Columns []columnInfo        `json:"columns"`
	Sample  []map[string]string `json:"sample,omitempty"`
}

func newInspectCmd(g *globalFlags) *cobra.Command {
	var (
		sampleRows int
		editor     bool
	)
	c := &cobra.Command{
		Use:   "inspect [database-path]",
		Short: "Inspect database schema and structure",
		Long: `Inspect the schema and structure of a SQLite database: the store by
default, the detected editor storage with --editor, or any file given.

This command provides:
  • Tables, columns and types
  • Row counts
  • Sample data from each table

The database is opened read-only.

Examples:
  session-vault inspect                     # The store
  session-vault inspect --editor --sample 5 # Cursor's globalStorage
  session-vault inspect ~/.cursor/chats/x/y/store.db --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dbPath string
			switch {
			case len(args) > 0:
				dbPath = args[0]
			case editor:
				paths, err := cursor.DetectStoragePaths()
				if err != nil {
					return fmt.Errorf("failed to detect storage: %w", err)
				}
				if !paths.GlobalStorageExists() {
					return fmt.Errorf("no editor storage found at %s", paths.GlobalStorageDBPath())
				}
				dbPath = paths.GlobalStorageDBPath()
			default:
				cfg, err := g.loadConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.Store.Path
			}

			tables, err := inspectDatabase(cmd.Context(), dbPath, sampleRows)
			if err != nil {
				return err
			}
			if g.json {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"database": dbPath, "tables": tables})
			}
			printTables(cmd.OutOrStdout(), dbPath, tables)
			return nil
		},
	}
	c.Flags().IntVar(&sampleRows, "sample", 3, "Number of sample rows to show")
	c.Flags().BoolVar(&editor, "editor", false, "Inspect the detected Cursor globalStorage database")
	return c
}

func inspectDatabase(ctx context.Context, dbPath string, sampleRows int) ([]tableInfo, error) {
	db, err := cursor.OpenDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	names, err := getTables(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to get tables: %w", err)
	}
	tables := make([]tableInfo, 0, len(names))
	for _, name := range names {
		t, err := inspectTable(ctx, db, name, sampleRows)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func getTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type='table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// quoteIdent quotes a SQLite identifier
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func inspectTable(ctx context.Context, db *sql.DB, name string, sampleRows int) (tableInfo, error) {
	t := tableInfo{Name: name}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(name)).Scan(&t.Rows); err != nil {
		return t, fmt.Errorf("failed to get row count: %w", err)
	}
	cols, err := getTableSchema(ctx, db, name)
	if err != nil {
		return t, fmt.Errorf("failed to get schema: %w", err)
	}
	t.Columns = cols
	if t.Rows > 0 && sampleRows > 0 {
		if t.Sample, err = sampleData(ctx, db, name, cols, sampleRows); err != nil {
			return t, fmt.Errorf("failed to read sample data: %w", err)
		}
	}
	return t, nil
}

func getTableSchema(ctx context.Context, db *sql.DB, name string) ([]columnInfo, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+quoteIdent(name)+")")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var columns []columnInfo
	for rows.Next() {
		var (
			col          columnInfo
			cid          int
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &defaultValue, &pk); err != nil {
			return nil, err
		}
		col.NotNull = notNull == 1
		col.PrimaryKey = pk > 0
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func sampleData(ctx context.Context, db *sql.DB, name string, columns []columnInfo, limit int) ([]map[string]string, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	colNames := make([]string, len(columns))
	for i, col := range columns {
		colNames[i] = quoteIdent(col.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s LIMIT %d", strings.Join(colNames, ", "), quoteIdent(name), limit)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []map[string]string
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]string, len(columns))
		for i, col := range columns {
			row[col.Name] = sampleValue(name, col.Name, values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// sampleValue renders one cell for display. Hex-encoded JSON in the agent
// meta table is decoded.
func sampleValue(table, column string, v any) string {
	if v == nil {
		return "<NULL>"
	}
	var s string
	switch b := v.(type) {
	case []byte:
		s = string(b)
	default:
		s = fmt.Sprintf("%v", v)
	}
	if table == "meta" && column == "value" && s != "" {
		if decoded, err := hex.DecodeString(s); err == nil {
			var meta map[string]any
			if json.Unmarshal(decoded, &meta) == nil {
				if compact, err := json.Marshal(meta); err == nil {
					s = string(compact)
				}
			}
		}
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + "..."
	}
	return truncate(s, 200)
}

func printTables(w io.Writer, dbPath string, tables []tableInfo) {
	if len(tables) == 0 {
		_, _ = fmt.Fprintln(w, "⚠️  No tables found in database")
		return
	}
	_, _ = fmt.Fprintf(w, "📋 Database: %s\n", dbPath)
	_, _ = fmt.Fprintf(w, "📊 Found %d table(s)\n\n", len(tables))

	for _, t := range tables {
		_, _ = fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
		_, _ = fmt.Fprintf(w, "📦 Table: %s\n", t.Name)
		_, _ = fmt.Fprintf(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
		_, _ = fmt.Fprintf(w, "📊 Rows: %d\n\n", t.Rows)
		_, _ = fmt.Fprintf(w, "📐 Schema:\n")
		for _, col := range t.Columns {
			pk, notNull := "", ""
			if col.PrimaryKey {
				pk = " [PRIMARY KEY]"
			}
			if col.NotNull {
				notNull = " NOT NULL"
			}
			_, _ = fmt.Fprintf(w, "  • %s: %s%s%s\n", col.Name, col.Type, notNull, pk)
		}
		_, _ = fmt.Fprintln(w)
		if len(t.Sample) > 0 {
			_, _ = fmt.Fprintf(w, "📄 Sample Data (first %d rows):\n", len(t.Sample))
			for i, row := range t.Sample {
				_, _ = fmt.Fprintf(w, "\n  Row %d:\n", i+1)
				for _, col := range t.Columns {
					_, _ = fmt.Fprintf(w, "    %s: %s\n", col.Name, row[col.Name])
				}
			}
			_, _ = fmt.Fprintln(w)
		}
	}
}
