package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/user/ratatosk"
	"github.com/user/ratatosk/pkg/sqlutil"
)

// ExecQuery runs a read-only statement through exec_sql and decodes the
// result rows. Querying a table that does not exist yet yields an empty
// result instead of an error, so callers can treat a fresh sink and an
// empty one the same way.
func (c *Client) ExecQuery(ctx context.Context, query string) ([]ratatosk.Row, error) {
	body, err := json.Marshal(execSQLRequest{Query: query})
	if err != nil {
		return nil, ratatosk.Wrap(ratatosk.KindSinkUnavailable, err, "failed to encode query request")
	}
	status, respBody, err := c.do(ctx, "POST", c.baseURL+"/rest/v1/rpc/exec_sql", body, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		if missingRelation(respBody) {
			return nil, nil
		}
		return nil, ratatosk.E(ratatosk.KindSinkUnavailable, "sink query failed (%d): %s",
			status, errorMessage(respBody))
	}
	return decodeRows(respBody)
}

// LastValue returns the maximum value of column in table, or nil when the
// table is missing or empty.
func (c *Client) LastValue(ctx context.Context, table, column string) (interface{}, error) {
	qTable, err := sqlutil.QuoteIdent("postgres", table)
	if err != nil {
		return nil, ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid sink table")
	}
	qCol, err := sqlutil.QuoteIdent("postgres", column)
	if err != nil {
		return nil, ratatosk.Wrap(ratatosk.KindConfigInvalid, err, "invalid incremental column")
	}
	rows, err := c.ExecQuery(ctx, fmt.Sprintf("SELECT MAX(%s) AS last_value FROM %s", qCol, qTable))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0]["last_value"], nil
}

// Describe reads the live column layout of table from the catalog. The
// bookkeeping column synced_at is never reported. A missing table yields
// an empty schema.
func (c *Client) Describe(ctx context.Context, table string) (ratatosk.Schema, error) {
	query := fmt.Sprintf(
		"SELECT column_name, data_type, is_nullable FROM information_schema.columns "+
			"WHERE table_schema = 'public' AND table_name = %s ORDER BY ordinal_position",
		sqlutil.QuoteString("postgres", table))
	rows, err := c.ExecQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	var schema ratatosk.Schema
	for _, row := range rows {
		name, _ := row["column_name"].(string)
		if name == "" || strings.EqualFold(name, "synced_at") {
			continue
		}
		dataType, _ := row["data_type"].(string)
		nullable, _ := row["is_nullable"].(string)
		schema = append(schema, ratatosk.Field{
			Name:     name,
			Type:     fieldTypeFromPG(dataType),
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	return schema, nil
}

// KeyPage reads one page of key columns straight from the table endpoint,
// ordered by those columns so pages are stable across requests. A missing
// table yields an empty page.
func (c *Client) KeyPage(ctx context.Context, table string, columns []string, limit, offset int) ([]ratatosk.Row, error) {
	order := make([]string, len(columns))
	for i, col := range columns {
		order[i] = col + ".asc"
	}
	params := url.Values{}
	params.Set("select", strings.Join(columns, ","))
	params.Set("order", strings.Join(order, ","))
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("offset", fmt.Sprintf("%d", offset))

	endpoint := c.baseURL + "/rest/v1/" + url.PathEscape(table) + "?" + params.Encode()
	status, respBody, err := c.do(ctx, "GET", endpoint, nil, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		if missingRelation(respBody) {
			return nil, nil
		}
		return nil, ratatosk.E(ratatosk.KindSinkUnavailable, "key scan of %s failed (%d): %s",
			table, status, errorMessage(respBody))
	}
	return decodeRows(respBody)
}

func decodeRows(body []byte) ([]ratatosk.Row, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var rows []ratatosk.Row
	if err := dec.Decode(&rows); err != nil {
		return nil, ratatosk.Wrap(ratatosk.KindSinkUnavailable, err, "failed to decode sink rows")
	}
	return rows, nil
}

func fieldTypeFromPG(dataType string) ratatosk.FieldType {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint":
		return ratatosk.TypeInt
	case "double precision", "real":
		return ratatosk.TypeFloat
	case "boolean":
		return ratatosk.TypeBool
	case "date":
		return ratatosk.TypeDate
	case "timestamp without time zone":
		return ratatosk.TypeDatetime
	case "timestamp with time zone":
		return ratatosk.TypeTimestamp
	case "numeric", "decimal":
		return ratatosk.TypeNumeric
	default:
		return ratatosk.TypeString
	}
}
