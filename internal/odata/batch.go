package odata

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/internal/remote"
)

// Operation is one request inside a $batch. Path must be absolute, see
// remote.Client.URL.
type Operation struct {
	Method string
	Path   string
	Body   any
}

// BuildBatch encodes ops as a multipart/mixed $batch body. With atomic set
// the operations are wrapped in a single changeset, which the service
// applies all-or-nothing.
func BuildBatch(ops []Operation, atomic bool) ([]byte, string, error) {
	var buf bytes.Buffer
	batch := multipart.NewWriter(&buf)
	if err := batch.SetBoundary("batch_" + uuid.NewString()); err != nil {
		return nil, "", err
	}

	if !atomic {
		for i, op := range ops {
			if err := writeOperation(batch, i, op); err != nil {
				return nil, "", err
			}
		}
	} else {
		var cs bytes.Buffer
		changeset := multipart.NewWriter(&cs)
		if err := changeset.SetBoundary("changeset_" + uuid.NewString()); err != nil {
			return nil, "", err
		}
		for i, op := range ops {
			if err := writeOperation(changeset, i, op); err != nil {
				return nil, "", err
			}
		}
		if err := changeset.Close(); err != nil {
			return nil, "", err
		}
		part, err := batch.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"multipart/mixed; boundary=" + changeset.Boundary()},
		})
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(cs.Bytes()); err != nil {
			return nil, "", err
		}
	}

	if err := batch.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "multipart/mixed; boundary=" + batch.Boundary(), nil
}

func writeOperation(w *multipart.Writer, i int, op Operation) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"application/http"},
		"Content-Transfer-Encoding": {"binary"},
		"Content-ID":                {fmt.Sprint(i + 1)},
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(part, "%s %s HTTP/1.1\r\n", op.Method, op.Path)
	if op.Body == nil {
		_, err = io.WriteString(part, "\r\n")
		return err
	}
	body, err := json.Marshal(op.Body)
	if err != nil {
		return fmt.Errorf("odata: encode operation %d: %w", i+1, err)
	}
	fmt.Fprintf(part, "Content-Type: application/json\r\nContent-Length: %d\r\n\r\n", len(body))
	_, err = part.Write(body)
	return err
}

// Result is the reply to one operation of a $batch.
type Result struct {
	Code int
	Body string
}

// Failed reports whether the operation was rejected.
func (r Result) Failed() bool {
	return r.Code < 200 || r.Code > 299
}

// ParseBatch reads a $batch response in order. Nested changesets are
// flattened. A changeset the service rejected as a whole comes back as a
// single failed result.
func ParseBatch(contentType string, body []byte) ([]Result, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("odata: batch content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return nil, fmt.Errorf("odata: unexpected batch content type %q", mediaType)
	}
	return parseMultipart(bytes.NewReader(body), params["boundary"])
}

func parseMultipart(r io.Reader, boundary string) ([]Result, error) {
	var out []Result
	mr := multipart.NewReader(r, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("odata: read batch part: %w", err)
		}

		mediaType, params, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if strings.HasPrefix(mediaType, "multipart/") {
			nested, err := parseMultipart(part, params["boundary"])
			if err != nil {
				return out, err
			}
			out = append(out, nested...)
			continue
		}

		resp, err := http.ReadResponse(bufio.NewReader(part), nil)
		if err != nil {
			return out, fmt.Errorf("odata: read batch response: %w", err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		out = append(out, Result{Code: resp.StatusCode, Body: string(data)})
	}
}

// SendBatch posts ops to the service's $batch endpoint at path and returns
// the per-operation results. header is added to the batch request.
func SendBatch(ctx context.Context, c *remote.Client, path string, ops []Operation, atomic bool, header http.Header) ([]Result, error) {
	body, contentType, err := BuildBatch(ops, atomic)
	if err != nil {
		return nil, err
	}
	h := http.Header{
		"Content-Type":  {contentType},
		"Accept":        {"application/json"},
		"OData-Version": {"4.0"},
	}
	for k, vs := range header {
		h[k] = vs
	}
	resp, err := c.Do(ctx, http.MethodPost, path, body, h)
	if err != nil {
		return nil, err
	}
	return ParseBatch(resp.Header.Get("Content-Type"), resp.Body)
}

// Outcome maps the results of a batch of ops onto the relay row error
// contract. A rejected changeset fails the whole batch. Otherwise rejected
// operations are reported per row; a retryable rejection aborts the batch
// at that row so it and the rows after it are attempted again.
func Outcome(ops []Operation, results []Result, atomic bool) error {
	if atomic {
		for _, r := range results {
			if r.Failed() {
				return &remote.StatusError{Method: http.MethodPost, URL: "$batch", Code: r.Code, Body: r.Body}
			}
		}
		return nil
	}
	if len(results) != len(ops) {
		return fmt.Errorf("odata: batch returned %d results for %d operations", len(results), len(ops))
	}

	var rows []relay.RowError
	for i, r := range results {
		if !r.Failed() {
			continue
		}
		se := &remote.StatusError{Method: ops[i].Method, URL: ops[i].Path, Code: r.Code, Body: r.Body}
		rows = append(rows, relay.RowError{Index: i, Err: se})
		if se.Temporary() {
			return &relay.RowErrors{Rows: rows, Aborted: true}
		}
	}
	if len(rows) > 0 {
		return &relay.RowErrors{Rows: rows}
	}
	return nil
}

// WriteChunked sends ops to the $batch endpoint at path in batches of at
// most size operations. Row indexes in the returned error refer to ops. A
// batch that fails as a whole aborts at its first operation; the batches
// before it stay applied.
func WriteChunked(ctx context.Context, c *remote.Client, path string, ops []Operation, size int, atomic bool, header http.Header) error {
	var rows []relay.RowError
	offset := 0
	for _, chunk := range relay.Chunk(ops, size) {
		results, err := SendBatch(ctx, c, path, chunk, atomic, header)
		if err == nil {
			err = Outcome(chunk, results, atomic)
		}

		var rowErrs *relay.RowErrors
		switch {
		case err == nil:
		case errors.As(err, &rowErrs):
			for _, r := range rowErrs.Rows {
				rows = append(rows, relay.RowError{Index: r.Index + offset, Err: r.Err})
			}
			if rowErrs.Aborted {
				return &relay.RowErrors{Rows: rows, Aborted: true}
			}
		case offset == 0:
			return err
		default:
			rows = append(rows, relay.RowError{Index: offset, Err: err})
			return &relay.RowErrors{Rows: rows, Aborted: true}
		}
		offset += len(chunk)
	}
	if len(rows) > 0 {
		return &relay.RowErrors{Rows: rows}
	}
	return nil
}
