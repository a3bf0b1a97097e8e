package supabase

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/user/ratatosk"
)

// Upsert writes rows into table, merging on the conflict columns. Rows
// already present are updated in place, new rows are inserted. An empty
// slice is a no-op.
func (c *Client) Upsert(ctx context.Context, table string, conflictColumns []string, rows []ratatosk.Row) error {
	if len(rows) == 0 {
		return nil
	}
	body, err := json.Marshal(rows)
	if err != nil {
		return ratatosk.Wrap(ratatosk.KindSinkUpsertFailed, err, "failed to encode %d rows for %s", len(rows), table)
	}

	endpoint := c.baseURL + "/rest/v1/" + url.PathEscape(table) +
		"?on_conflict=" + url.QueryEscape(strings.Join(conflictColumns, ","))
	status, respBody, err := c.do(ctx, "POST", endpoint, body, "resolution=merge-duplicates,return=minimal")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return ratatosk.E(ratatosk.KindSinkUpsertFailed, "upsert into %s rejected (%d): %s",
			table, status, errorMessage(respBody))
	}
	return nil
}
