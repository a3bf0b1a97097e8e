package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/user/ratatosk/pkg/gsheets"
)

// validateSheet checks a spreadsheet reference before a job is saved:
// the URL must parse and the header row must be readable and non-empty.
func (s *Server) validateSheet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL       string `json:"url"`
		SheetName string `json:"sheetName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := gsheets.SpreadsheetID(body.URL)
	if err != nil {
		s.fail(w, err)
		return
	}

	headerRange := "1:1"
	if body.SheetName != "" {
		headerRange = fmt.Sprintf("'%s'!1:1", strings.ReplaceAll(body.SheetName, "'", "''"))
	}
	rows, err := s.sheets.ReadRange(r.Context(), id, headerRange)
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		s.jsonError(w, "sheet has no header row", http.StatusBadRequest)
		return
	}

	headers := make([]string, 0, len(rows[0]))
	for _, cell := range rows[0] {
		headers = append(headers, fmt.Sprintf("%v", cell))
	}
	s.jsonOK(w, map[string]interface{}{
		"success":       true,
		"spreadsheetId": id,
		"headers":       headers,
	})
}
