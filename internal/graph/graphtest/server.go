// Package graphtest provides an in-memory stand-in for the remote workbook
// API, served over httptest.
package graphtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rzpsarthak13/sheetsync/internal/config"
)

// Table is a remote table. Rows hold the cell values of each data row.
type Table struct {
	ID        string
	Name      string
	Worksheet string
	Headers   []string
	Rows      [][]any
}

// Workbook is a drive item holding worksheets and tables.
type Workbook struct {
	ID         string
	Path       string
	Content    []byte
	Worksheets []string
	Tables     []*Table

	pendingHeaders map[string][]string
}

func (w *Workbook) table(nameOrID string) *Table {
	for _, t := range w.Tables {
		if t.Name == nameOrID || t.ID == nameOrID {
			return t
		}
	}
	return nil
}

// Request is a logged API call.
type Request struct {
	Method string
	Path   string
}

// Failure is a scripted response returned instead of handling a request.
type Failure struct {
	Status     int
	RetryAfter string
}

// Server is a fake remote workbook API.
type Server struct {
	*httptest.Server

	TenantID string
	UserID   string

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration

	mu         sync.Mutex
	workbooks  map[string]*Workbook // by item id
	paths      map[string]string    // drive path to item id
	failures   []Failure
	requests   []Request
	tokenCalls int
	nextID     int
}

// NewServer starts a fake server. Close it when done.
func NewServer() *Server {
	s := &Server{
		TenantID:  "tenant",
		UserID:    "user@example.com",
		TokenTTL:  time.Hour,
		workbooks: make(map[string]*Workbook),
		paths:     make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Config returns a graph configuration pointing at the server.
func (s *Server) Config() config.GraphConfig {
	return config.GraphConfig{
		TenantID:           s.TenantID,
		ClientID:           "client",
		ClientSecret:       "secret",
		UserID:             s.UserID,
		BaseURL:            s.URL + "/v1.0",
		Authority:          s.URL,
		Scope:              "https://graph.microsoft.com/.default",
		ParametrosFolder:   "/Apps/parametros/",
		DefaultWorksheet:   "Productos",
		MaxAttempts:        5,
		BaseDelay:          time.Second,
		MaxDelay:           8 * time.Second,
		TokenRefreshMargin: time.Minute,
	}
}

// FailNext queues scripted failures for the next API requests. Token
// requests are not affected.
func (s *Server) FailNext(failures ...Failure) {
	s.mu.Lock()
	s.failures = append(s.failures, failures...)
	s.mu.Unlock()
}

// Requests returns the API requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests matched method and contained fragment.
func (s *Server) Count(method, fragment string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.Contains(r.Path, fragment) {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

// TokenCalls returns the number of token exchanges served.
func (s *Server) TokenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCalls
}

// AddWorkbook seeds a workbook at a drive path and returns its id.
func (s *Server) AddWorkbook(drivePath string, worksheets ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	wb := s.createLocked(drivePath)
	wb.Worksheets = append([]string(nil), worksheets...)
	return wb.ID
}

// Workbook returns a copy of the workbook at a drive path.
func (s *Server) Workbook(drivePath string) (Workbook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.paths[drivePath]
	if !ok {
		return Workbook{}, false
	}
	wb := *s.workbooks[id]
	wb.Worksheets = append([]string(nil), wb.Worksheets...)
	wb.Tables = nil
	for _, t := range s.workbooks[id].Tables {
		cp := *t
		cp.Rows = make([][]any, len(t.Rows))
		for i, r := range t.Rows {
			cp.Rows[i] = append([]any(nil), r...)
		}
		wb.Tables = append(wb.Tables, &cp)
	}
	return wb, true
}

// Table returns a copy of a table in the workbook at a drive path.
func (s *Server) Table(drivePath, tableName string) (*Table, bool) {
	wb, ok := s.Workbook(drivePath)
	if !ok {
		return nil, false
	}
	t := wb.table(tableName)
	return t, t != nil
}

func (s *Server) createLocked(drivePath string) *Workbook {
	if id, ok := s.paths[drivePath]; ok {
		return s.workbooks[id]
	}
	s.nextID++
	wb := &Workbook{ID: fmt.Sprintf("item-%d", s.nextID), Path: drivePath, pendingHeaders: map[string][]string{}}
	s.workbooks[wb.ID] = wb
	s.paths[drivePath] = wb.ID
	return wb
}

var (
	rangeRe  = regexp.MustCompile(`^worksheets/([^/]+)/range\(address='A1:[A-Z]+1'\)$`)
	rowRe    = regexp.MustCompile(`^tables/([^/]+)/rows/(\d+)$`)
	rowDelRe = regexp.MustCompile(`^tables/([^/]+)/rows/(\d+)/delete$`)
)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/oauth2/v2.0/token") {
		s.handleToken(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path})

	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		if f.RetryAfter != "" {
			w.Header().Set("Retry-After", f.RetryAfter)
		}
		writeError(w, f.Status, "scripted failure")
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok-") {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}

	user := "/v1.0/users/" + s.UserID + "/drive/"
	rest, ok := strings.CutPrefix(r.URL.Path, user)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}

	switch {
	case strings.HasPrefix(rest, "root:"):
		s.handleRoot(w, r, strings.TrimPrefix(rest, "root:"), body)
	case strings.HasPrefix(rest, "items/"):
		s.handleItem(w, r, strings.TrimPrefix(rest, "items/"), body)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "client_credentials" {
		writeError(w, http.StatusBadRequest, "invalid grant")
		return
	}
	s.mu.Lock()
	s.tokenCalls++
	n := s.tokenCalls
	s.mu.Unlock()
	writeJSON(w, map[string]any{
		"access_token": fmt.Sprintf("tok-%d", n),
		"token_type":   "Bearer",
		"expires_in":   int(s.TokenTTL / time.Second),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request, rest string, body []byte) {
	if drivePath, ok := strings.CutSuffix(rest, ":/content"); ok && r.Method == http.MethodPut {
		wb := s.createLocked(drivePath)
		wb.Content = body
		wb.Worksheets = sheetNames(body)
		writeJSON(w, map[string]any{"id": wb.ID, "name": drivePath})
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "unsupported")
		return
	}
	id, ok := s.paths[rest]
	if !ok {
		writeError(w, http.StatusNotFound, "itemNotFound")
		return
	}
	writeJSON(w, map[string]any{"id": id, "name": rest})
}

func sheetNames(content []byte) []string {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil
	}
	defer f.Close()
	return f.GetSheetList()
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request, rest string, body []byte) {
	id, rest, _ := strings.Cut(rest, "/")
	wb, ok := s.workbooks[id]
	if !ok {
		writeError(w, http.StatusNotFound, "itemNotFound")
		return
	}
	rest, ok = strings.CutPrefix(rest, "workbook/")
	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}

	var payload struct {
		Name       string  `json:"name"`
		Address    string  `json:"address"`
		HasHeaders bool    `json:"hasHeaders"`
		Values     [][]any `json:"values"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
	}

	switch {
	case rest == "worksheets" && r.Method == http.MethodGet:
		value := make([]map[string]string, len(wb.Worksheets))
		for i, name := range wb.Worksheets {
			value[i] = map[string]string{"name": name}
		}
		writeJSON(w, map[string]any{"value": value})

	case rest == "worksheets/add" && r.Method == http.MethodPost:
		wb.Worksheets = append(wb.Worksheets, payload.Name)
		writeJSON(w, map[string]any{"name": payload.Name})

	case rest == "tables" && r.Method == http.MethodGet:
		value := make([]map[string]string, len(wb.Tables))
		for i, t := range wb.Tables {
			value[i] = map[string]string{"id": t.ID, "name": t.Name}
		}
		writeJSON(w, map[string]any{"value": value})

	case rest == "tables/add" && r.Method == http.MethodPost:
		sheet, _, _ := strings.Cut(payload.Address, "!")
		s.nextID++
		t := &Table{
			ID:        fmt.Sprintf("{table-%d}", s.nextID),
			Name:      fmt.Sprintf("Table%d", s.nextID),
			Worksheet: sheet,
			Headers:   wb.pendingHeaders[sheet],
		}
		wb.Tables = append(wb.Tables, t)
		writeJSON(w, map[string]any{"id": t.ID, "name": t.Name})

	case rangeRe.MatchString(rest) && r.Method == http.MethodPatch:
		sheet := rangeRe.FindStringSubmatch(rest)[1]
		if len(payload.Values) != 1 {
			writeError(w, http.StatusBadRequest, "one header row expected")
			return
		}
		headers := make([]string, len(payload.Values[0]))
		for i, v := range payload.Values[0] {
			headers[i] = fmt.Sprint(v)
		}
		if wb.pendingHeaders == nil {
			wb.pendingHeaders = map[string][]string{}
		}
		wb.pendingHeaders[sheet] = headers
		writeJSON(w, map[string]any{"address": sheet + "!A1"})

	case rowDelRe.MatchString(rest) && r.Method == http.MethodPost:
		m := rowDelRe.FindStringSubmatch(rest)
		t := wb.table(m[1])
		idx, _ := strconv.Atoi(m[2])
		if t == nil || idx >= len(t.Rows) {
			writeError(w, http.StatusNotFound, "row not found")
			return
		}
		t.Rows = append(t.Rows[:idx], t.Rows[idx+1:]...)
		w.WriteHeader(http.StatusNoContent)

	case rowRe.MatchString(rest) && r.Method == http.MethodPatch:
		m := rowRe.FindStringSubmatch(rest)
		t := wb.table(m[1])
		idx, _ := strconv.Atoi(m[2])
		if t == nil || idx >= len(t.Rows) || len(payload.Values) != 1 {
			writeError(w, http.StatusNotFound, "row not found")
			return
		}
		t.Rows[idx] = payload.Values[0]
		writeJSON(w, map[string]any{"index": idx})

	case strings.HasPrefix(rest, "tables/") && r.Method == http.MethodPatch:
		t := wb.table(strings.TrimPrefix(rest, "tables/"))
		if t == nil {
			writeError(w, http.StatusNotFound, "table not found")
			return
		}
		t.Name = payload.Name
		writeJSON(w, map[string]any{"id": t.ID, "name": t.Name})

	case strings.HasSuffix(rest, "/rows/add") && r.Method == http.MethodPost:
		t := wb.table(strings.TrimSuffix(strings.TrimPrefix(rest, "tables/"), "/rows/add"))
		if t == nil {
			writeError(w, http.StatusNotFound, "table not found")
			return
		}
		t.Rows = append(t.Rows, payload.Values...)
		writeJSON(w, map[string]any{"index": len(t.Rows) - 1})

	case strings.HasSuffix(rest, "/rows") && r.Method == http.MethodGet:
		t := wb.table(strings.TrimSuffix(strings.TrimPrefix(rest, "tables/"), "/rows"))
		if t == nil {
			writeError(w, http.StatusNotFound, "table not found")
			return
		}
		value := make([]map[string]any, len(t.Rows))
		for i, row := range t.Rows {
			value[i] = map[string]any{"index": i, "values": [][]any{row}}
		}
		writeJSON(w, map[string]any{"value": value})

	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": msg}})
}
