package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/user/ratatosk"
)

// deleteChunkSize caps how many key tuples one DELETE request may carry,
// keeping the filter expression well under URL length limits.
const deleteChunkSize = 200

// Delete removes the rows whose key columns match the given tuples. Each
// tuple holds one value per key column, in the same order. The work is
// split into fixed-size chunks and stops at the first failing chunk, so a
// partial delete reports how many rows actually went away.
func (c *Client) Delete(ctx context.Context, table string, keyColumns []string, tuples [][]interface{}) (int, error) {
	if len(tuples) == 0 {
		return 0, nil
	}
	deleted := 0
	for start := 0; start < len(tuples); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(tuples) {
			end = len(tuples)
		}
		n, err := c.deleteChunk(ctx, table, keyColumns, tuples[start:end])
		deleted += n
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func (c *Client) deleteChunk(ctx context.Context, table string, keyColumns []string, chunk [][]interface{}) (int, error) {
	params := url.Values{}
	if len(keyColumns) == 1 {
		values := make([]string, len(chunk))
		for i, tuple := range chunk {
			values[i] = filterValue(tuple[0])
		}
		params.Set(keyColumns[0], "in.("+strings.Join(values, ",")+")")
	} else {
		groups := make([]string, len(chunk))
		for i, tuple := range chunk {
			conds := make([]string, len(keyColumns))
			for j, col := range keyColumns {
				conds[j] = col + ".eq." + filterValue(tuple[j])
			}
			groups[i] = "and(" + strings.Join(conds, ",") + ")"
		}
		params.Set("or", "("+strings.Join(groups, ",")+")")
	}
	params.Set("select", keyColumns[0])

	endpoint := c.baseURL + "/rest/v1/" + url.PathEscape(table) + "?" + params.Encode()
	status, body, err := c.do(ctx, "DELETE", endpoint, nil, "return=representation")
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, ratatosk.E(ratatosk.KindSinkDeleteFailed, "delete from %s rejected (%d): %s",
			table, status, errorMessage(body))
	}
	return int(gjson.GetBytes(body, "#").Int()), nil
}

// filterValue renders one value for use inside a PostgREST filter
// expression. Strings are double quoted so commas, parens and reserved
// words survive the trip.
func filterValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return quoteFilter(t)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return quoteFilter(fmt.Sprintf("%v", t))
	}
}

func quoteFilter(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
