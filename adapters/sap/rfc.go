package sap

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/internal/odata"
)

// rfcRequest is the JSON envelope of a function module call.
type rfcRequest struct {
	Function  string                      `json:"FUNCTION"`
	Importing map[string]string           `json:"IMPORTING,omitempty"`
	Tables    map[string][]map[string]any `json:"TABLES,omitempty"`
}

type rfcResponse struct {
	Tables map[string][]map[string]any `json:"TABLES"`
	Return []bapiReturn                `json:"RETURN"`
}

// bapiReturn is one BAPIRET2 style message. Row is the zero based index of
// the table row it refers to, if any.
type bapiReturn struct {
	Type    string `json:"TYPE"`
	ID      string `json:"ID"`
	Number  string `json:"NUMBER"`
	Message string `json:"MESSAGE"`
	Row     *int   `json:"ROW"`
}

func (r bapiReturn) failed() bool {
	return r.Type == "E" || r.Type == "A"
}

func (r bapiReturn) Error() string {
	if r.ID != "" {
		return fmt.Sprintf("sap: %s(%s) %s: %s", r.ID, r.Number, r.Type, r.Message)
	}
	return fmt.Sprintf("sap: %s: %s", r.Type, r.Message)
}

func (c *Connector) callRFC(ctx context.Context, req rfcRequest) (*rfcResponse, error) {
	path := strings.TrimRight(c.cfg.RFCPath, "/") + "/" + c.cfg.RFCFunction
	var resp rfcResponse
	if err := c.client.SendJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// readRFC calls the function with the table name as TABLE import and
// returns that table from the reply, or the only table when the function
// names it differently.
func (c *Connector) readRFC(ctx context.Context, locator string) ([]string, []map[string]string, error) {
	resp, err := c.callRFC(ctx, rfcRequest{
		Function:  c.cfg.RFCFunction,
		Importing: map[string]string{"TABLE": locator},
	})
	if err != nil {
		return nil, nil, err
	}
	for _, r := range resp.Return {
		if r.failed() {
			return nil, nil, r
		}
	}

	rows, ok := resp.Tables[locator]
	if !ok && len(resp.Tables) == 1 {
		for _, only := range resp.Tables {
			rows = only
		}
	}
	headers, records := odata.Rows(rows)
	return headers, records, nil
}

// writeRFC passes every record in the table named by locator. Error
// messages with a row index skip that row; an abort message or an error
// without a row fails the whole call.
func (c *Connector) writeRFC(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	rows := make([]map[string]any, len(records))
	for i, rec := range records {
		rows[i] = odata.Entity(headers, rec)
	}
	resp, err := c.callRFC(ctx, rfcRequest{
		Function: c.cfg.RFCFunction,
		Tables:   map[string][]map[string]any{locator: rows},
	})
	if err != nil {
		return err
	}

	var skipped []relay.RowError
	for _, r := range resp.Return {
		if !r.failed() {
			continue
		}
		if r.Type == "A" || r.Row == nil || *r.Row < 0 || *r.Row >= len(records) {
			return r
		}
		skipped = append(skipped, relay.RowError{Index: *r.Row, Err: r})
	}
	if len(skipped) > 0 {
		return &relay.RowErrors{Rows: skipped}
	}
	return nil
}

var _ error = bapiReturn{}
