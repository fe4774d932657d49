// Package odatatest runs an in-process OData service for connector tests.
package odatatest

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Server serves entity sets under any path prefix. GET pages through a
// set, POST creates an entity and POST .../$batch applies a batch. When
// Token is set every request except the token endpoint must carry it as a
// bearer token.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	sets     map[string][]map[string]any
	created  map[string][]map[string]any
	pageSize int
	requests []string

	// Token is issued by /token and required on every other request.
	Token string

	// Reject, when set, fails creation of matching entities with 400.
	Reject func(set string, entity map[string]any) bool
}

// NewServer starts a server returning pageSize entities per page.
func NewServer(pageSize int) *Server {
	s := &Server{
		sets:     make(map[string][]map[string]any),
		created:  make(map[string][]map[string]any),
		pageSize: pageSize,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// Seed sets the entities returned for set.
func (s *Server) Seed(set string, entities ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[set] = entities
}

// Created returns the entities created in set.
func (s *Server) Created(set string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.created[set]...)
}

// Requests returns "METHOD path?query" for every request served.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.RequestURI())
	s.mu.Unlock()

	if strings.HasSuffix(r.URL.Path, "/token") {
		s.issueToken(w, r)
		return
	}
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	set := lastSegment(r.URL.Path)
	switch {
	case r.Method == http.MethodPost && set == "$batch":
		s.batch(w, r)
	case r.Method == http.MethodPost:
		var entity map[string]any
		if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(s.create(set, entity))
	case r.Method == http.MethodGet:
		s.page(w, r, set)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) issueToken(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if r.Form.Get("grant_type") != "client_credentials" {
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": s.Token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) page(w http.ResponseWriter, r *http.Request, set string) {
	skip, _ := strconv.Atoi(r.URL.Query().Get("$skiptoken"))

	s.mu.Lock()
	all := s.sets[set]
	s.mu.Unlock()

	end := len(all)
	if s.pageSize > 0 && skip+s.pageSize < end {
		end = skip + s.pageSize
	}
	if skip > end {
		skip = end
	}
	out := map[string]any{"value": all[skip:end]}
	if end < len(all) {
		q := r.URL.Query()
		q.Set("$skiptoken", strconv.Itoa(end))
		out["@odata.nextLink"] = s.URL + r.URL.Path + "?" + q.Encode()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) create(set string, entity map[string]any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reject != nil && s.Reject(set, entity) {
		return http.StatusBadRequest
	}
	s.created[set] = append(s.created[set], entity)
	return http.StatusNoContent
}

type request struct {
	set    string
	entity map[string]any
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	out := multipart.NewWriter(&buf)

	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mediaType, cs, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if !strings.HasPrefix(mediaType, "multipart/") {
			req, err := readRequest(part)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			writeResult(out, s.create(req.set, req.entity))
			continue
		}

		// Changeset: validate everything before creating anything.
		var reqs []request
		nested := multipart.NewReader(part, cs["boundary"])
		for {
			p, err := nested.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			req, err := readRequest(p)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			reqs = append(reqs, req)
		}
		if s.rejectsAny(reqs) {
			writeResult(out, http.StatusBadRequest)
			continue
		}
		for _, req := range reqs {
			writeResult(out, s.create(req.set, req.entity))
		}
	}
	_ = out.Close()

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+out.Boundary())
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) rejectsAny(reqs []request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Reject == nil {
		return false
	}
	for _, req := range reqs {
		if s.Reject(req.set, req.entity) {
			return true
		}
	}
	return false
}

func readRequest(part io.Reader) (request, error) {
	req, err := http.ReadRequest(bufio.NewReader(part))
	if err != nil {
		return request{}, err
	}
	var entity map[string]any
	if err := json.NewDecoder(req.Body).Decode(&entity); err != nil && err != io.EOF {
		return request{}, err
	}
	return request{set: lastSegment(req.URL.Path), entity: entity}, nil
}

func writeResult(w *multipart.Writer, code int) {
	part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/http"}})
	if err != nil {
		return
	}
	body := ""
	if code >= 400 {
		body = `{"error":{"message":"entity rejected"}}`
	}
	fmt.Fprintf(part, "HTTP/1.1 %d %s\r\nContent-Length: %d\r\n\r\n%s", code, http.StatusText(code), len(body), body)
}

func lastSegment(path string) string {
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if i := strings.Index(path, "("); i >= 0 {
		path = path[:i]
	}
	return path
}
