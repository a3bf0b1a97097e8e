package supabase

import (
	"context"
	"encoding/json"

	"github.com/user/ratatosk"
)

type execSQLRequest struct {
	Query string `json:"query"`
}

// ExecDDL runs a DDL statement through the exec_sql procedure and then
// nudges PostgREST to reload its schema cache so the change is visible
// to the REST endpoints immediately. The reload is best effort.
func (c *Client) ExecDDL(ctx context.Context, statement string) error {
	body, err := json.Marshal(execSQLRequest{Query: statement})
	if err != nil {
		return ratatosk.Wrap(ratatosk.KindSinkDDLFailed, err, "failed to encode ddl request")
	}
	status, respBody, err := c.do(ctx, "POST", c.baseURL+"/rest/v1/rpc/exec_sql", body, "")
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return ratatosk.E(ratatosk.KindSinkDDLFailed, "ddl rejected (%d): %s", status, errorMessage(respBody))
	}

	reload, _ := json.Marshal(execSQLRequest{Query: "NOTIFY pgrst, 'reload schema'"})
	_, _, _ = c.do(ctx, "POST", c.baseURL+"/rest/v1/rpc/exec_sql", reload, "")
	return nil
}
