// Package odata reads paged OData collections into rows and builds and
// parses $batch requests.
package odata

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/erfanmomeniii/relay/internal/remote"
)

// page covers both the v4 ("value", "@odata.nextLink") and the v2
// ("d.results", "d.__next") envelope.
type page struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
	D        *struct {
		Results []map[string]any `json:"results"`
		Next    string           `json:"__next"`
	} `json:"d"`
}

// ReadAll follows next links from path and returns every entity. maxPages
// <= 0 means no limit.
func ReadAll(ctx context.Context, c *remote.Client, path string, maxPages int) ([]map[string]any, error) {
	var out []map[string]any
	next := path
	for pages := 0; next != ""; pages++ {
		if maxPages > 0 && pages >= maxPages {
			break
		}
		var p page
		if err := c.GetJSON(ctx, next, &p); err != nil {
			return out, err
		}
		if p.D != nil {
			out = append(out, p.D.Results...)
			next = p.D.Next
			continue
		}
		out = append(out, p.Value...)
		next = p.NextLink
	}
	return out, nil
}

// Rows flattens entities into string rows. Annotations are dropped.
// Headers follow the first entity's properties in lexical order; properties
// first seen later are appended.
func Rows(entities []map[string]any) ([]string, []map[string]string) {
	var headers []string
	seen := make(map[string]bool)
	records := make([]map[string]string, 0, len(entities))

	for _, e := range entities {
		keys := make([]string, 0, len(e))
		for k := range e {
			if annotation(k) {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		rec := make(map[string]string, len(keys))
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				headers = append(headers, k)
			}
			rec[k] = Stringify(e[k])
		}
		records = append(records, rec)
	}
	return headers, records
}

// annotation matches instance annotations ("@odata.etag"), property
// annotations ("name@OData.Community.Display.V1.FormattedValue") and v2
// metadata ("__metadata").
func annotation(k string) bool {
	return strings.Contains(k, "@") || strings.HasPrefix(k, "__")
}

// Stringify renders a decoded JSON value as a record value. Objects and
// arrays are kept as compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// Entity turns a record into a JSON object restricted to headers. Empty
// values are sent as null.
func Entity(headers []string, record map[string]string) map[string]any {
	out := make(map[string]any, len(headers))
	for _, h := range headers {
		v, ok := record[h]
		if !ok {
			continue
		}
		if v == "" {
			out[h] = nil
			continue
		}
		out[h] = v
	}
	return out
}
