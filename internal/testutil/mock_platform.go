// Package testutil provides an in-process mock of the email-marketing
// platform for package tests.
package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// APIPrefix is the version prefix of every API path.
const APIPrefix = "/3.0"

// Member is a list member as held by the mock.
type Member struct {
	Email       string
	Status      string
	MergeFields map[string]any
}

// Hash returns the member's subscriber hash.
func (m Member) Hash() string {
	sum := md5.Sum([]byte(strings.ToLower(m.Email)))
	return hex.EncodeToString(sum[:])
}

func (m Member) payload() map[string]any {
	merge := m.MergeFields
	if merge == nil {
		merge = map[string]any{}
	}
	return map[string]any{
		"id":            m.Hash(),
		"email_address": m.Email,
		"status":        m.Status,
		"merge_fields":  merge,
	}
}

// Segment is a saved segment of a list.
type Segment struct {
	ID      int
	Name    string
	Members []Member
}

// MergeField is a custom member attribute of a list.
type MergeField struct {
	Tag    string
	Name   string
	Type   string
	Public bool
}

// List is an audience.
type List struct {
	ID                 string
	Name               string
	Contact            map[string]any
	CampaignDefaults   map[string]any
	PermissionReminder string
	EmailTypeOption    bool
	MergeFields        []MergeField
	Segments           map[int]*Segment
	Members            []Member
}

// BatchOperation is an operation as received by the mock.
type BatchOperation struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Params      map[string]string `json:"params,omitempty"`
	Body        string            `json:"body,omitempty"`
	OperationID string            `json:"operation_id,omitempty"`
}

// BatchResult is one entry of a batch result file.
type BatchResult struct {
	StatusCode  int    `json:"status_code"`
	OperationID string `json:"operation_id"`
	Response    string `json:"response"`
}

// Batch is a submitted batch job.
type Batch struct {
	ID          string
	Operations  []BatchOperation
	Statuses    []string
	Polls       int
	SubmittedAt time.Time
	CompletedAt time.Time
	Results     []BatchResult
	Errored     int
	executed    bool
}

// MockPlatform is an httptest server speaking the platform's REST API,
// including asynchronous batch jobs and result archive downloads.
type MockPlatform struct {
	server *httptest.Server

	mu            sync.Mutex
	handlers      map[string]http.HandlerFunc
	lists         map[string]*List
	batches       map[string]*Batch
	batchOrder    []string
	statuses      []string
	archiveFormat string
	extraFiles    map[string][]byte
	failPolls     int
	nextID        int

	// Tracking
	RequestCount      int
	RequestLog        []string
	LastRequestHeader http.Header
}

// NewMockPlatform starts a mock platform server.
func NewMockPlatform() *MockPlatform {
	m := &MockPlatform{
		handlers:      make(map[string]http.HandlerFunc),
		lists:         make(map[string]*List),
		batches:       make(map[string]*Batch),
		statuses:      []string{"pending", "started", "finished"},
		archiveFormat: "tar.gz",
		extraFiles:    make(map[string][]byte),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the server root.
func (m *MockPlatform) URL() string {
	return m.server.URL
}

// BaseURL returns the API root to configure clients with.
func (m *MockPlatform) BaseURL() string {
	return m.server.URL + APIPrefix
}

// Close shuts down the server.
func (m *MockPlatform) Close() {
	m.server.Close()
}

// SetHandler overrides the handler for an exact method and path.
func (m *MockPlatform) SetHandler(method, path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method+" "+path] = handler
}

// AddList registers a list. Lists without merge fields get FNAME and LNAME.
func (m *MockPlatform) AddList(l *List) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(l.MergeFields) == 0 {
		l.MergeFields = defaultMergeFields()
	}
	if l.Segments == nil {
		l.Segments = make(map[int]*Segment)
	}
	m.lists[l.ID] = l
}

// AddSegment registers a segment on an existing list.
func (m *MockPlatform) AddSegment(listID string, s *Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[listID].Segments[s.ID] = s
}

// List returns the list with id, or nil.
func (m *MockPlatform) List(id string) *List {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lists[id]
}

// ListByName returns the first list called name, or nil.
func (m *MockPlatform) ListByName(name string) *List {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lists {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// SetBatchStatuses sets the status sequence reported by successive polls of
// batches submitted afterwards. The last status repeats.
func (m *MockPlatform) SetBatchStatuses(statuses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = statuses
}

// SetArchiveFormat selects "tar.gz" (default), "tar" or "zip" result archives.
func (m *MockPlatform) SetArchiveFormat(format string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archiveFormat = format
}

// AddArchiveFile adds a file to every result archive next to the results.
func (m *MockPlatform) AddArchiveFile(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.extraFiles[name] = data
}

// FailNextPolls makes the next n batch status requests answer 503.
func (m *MockPlatform) FailNextPolls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPolls = n
}

// Batches returns submitted batches in submission order.
func (m *MockPlatform) Batches() []*Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Batch, 0, len(m.batchOrder))
	for _, id := range m.batchOrder {
		out = append(out, m.batches[id])
	}
	return out
}

// CountRequests returns how many requests matched method and path.
func (m *MockPlatform) CountRequests(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.RequestLog {
		if r == method+" "+path {
			n++
		}
	}
	return n
}

// GetRequestCount returns the number of requests served.
func (m *MockPlatform) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

func (m *MockPlatform) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.RequestCount++
	m.RequestLog = append(m.RequestLog, r.Method+" "+r.URL.Path)
	m.LastRequestHeader = r.Header.Clone()
	handler, custom := m.handlers[r.Method+" "+r.URL.Path]
	m.mu.Unlock()

	if custom {
		handler(w, r)
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/archives/"):
		m.serveArchive(w, r)
	case r.URL.Path == APIPrefix+"/batches":
		m.serveBatches(w, r)
	case strings.HasPrefix(r.URL.Path, APIPrefix+"/batches/"):
		m.serveBatch(w, r, strings.TrimPrefix(r.URL.Path, APIPrefix+"/batches/"))
	case strings.HasPrefix(r.URL.Path, APIPrefix+"/"):
		m.serveAPI(w, r)
	default:
		writeProblem(w, http.StatusNotFound, "Resource Not Found", "unknown path")
	}
}

func (m *MockPlatform) serveAPI(w http.ResponseWriter, r *http.Request) {
	if _, _, ok := r.BasicAuth(); !ok {
		writeProblem(w, http.StatusUnauthorized, "API Key Missing", "basic auth required")
		return
	}

	body, _ := io.ReadAll(r.Body)
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		params[k] = strings.Join(v, ",")
	}

	m.mu.Lock()
	status, payload := m.execute(r.Method, strings.TrimPrefix(r.URL.Path, APIPrefix), params, string(body))
	m.mu.Unlock()

	writeJSON(w, status, payload)
}

func (m *MockPlatform) serveBatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Operations []BatchOperation `json:"operations"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "JSON Parse Error", err.Error())
			return
		}
		if len(req.Operations) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid Resource", "operations must not be empty")
			return
		}
		for _, op := range req.Operations {
			if !strings.HasPrefix(op.Path, "/") {
				writeProblem(w, http.StatusBadRequest, "Invalid Resource", "path must be absolute: "+op.Path)
				return
			}
		}

		m.mu.Lock()
		m.nextID++
		b := &Batch{
			ID:          fmt.Sprintf("batch%04d", m.nextID),
			Operations:  req.Operations,
			Statuses:    append([]string(nil), m.statuses...),
			SubmittedAt: time.Now().UTC().Truncate(time.Second),
		}
		m.batches[b.ID] = b
		m.batchOrder = append(m.batchOrder, b.ID)
		payload := m.batchPayload(b, "pending")
		m.mu.Unlock()

		writeJSON(w, http.StatusOK, payload)

	case http.MethodGet:
		count, offset := paging(r.URL.Query().Get("count"), r.URL.Query().Get("offset"))
		m.mu.Lock()
		var all []map[string]any
		for _, id := range m.batchOrder {
			b := m.batches[id]
			all = append(all, m.batchPayload(b, b.status()))
		}
		m.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"batches":     window(all, count, offset),
			"total_items": len(all),
		})

	default:
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", r.Method)
	}
}

func (m *MockPlatform) serveBatch(w http.ResponseWriter, r *http.Request, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPolls > 0 {
		m.failPolls--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	b, ok := m.batches[id]
	if !ok {
		writeProblem(w, http.StatusNotFound, "Resource Not Found", "no batch "+id)
		return
	}

	status := b.status()
	b.Polls++
	if status == "finished" && !b.executed {
		m.run(b)
	}
	writeJSON(w, http.StatusOK, m.batchPayload(b, status))
}

func (b *Batch) status() string {
	if len(b.Statuses) == 0 {
		return "finished"
	}
	i := b.Polls
	if i >= len(b.Statuses) {
		i = len(b.Statuses) - 1
	}
	return b.Statuses[i]
}

func (m *MockPlatform) run(b *Batch) {
	for _, op := range b.Operations {
		status, payload := m.execute(op.Method, op.Path, op.Params, op.Body)
		raw, _ := json.Marshal(payload)
		if status >= 400 {
			b.Errored++
		}
		b.Results = append(b.Results, BatchResult{
			StatusCode:  status,
			OperationID: op.OperationID,
			Response:    string(raw),
		})
	}
	b.CompletedAt = time.Now().UTC().Truncate(time.Second)
	b.executed = true
}

func (m *MockPlatform) batchPayload(b *Batch, status string) map[string]any {
	p := map[string]any{
		"id":                  b.ID,
		"status":              status,
		"total_operations":    len(b.Operations),
		"finished_operations": 0,
		"errored_operations":  0,
		"submitted_at":        b.SubmittedAt.Format(time.RFC3339),
		"completed_at":        "",
		"response_body_url":   "",
	}
	if status == "finished" && b.executed {
		p["finished_operations"] = len(b.Operations)
		p["errored_operations"] = b.Errored
		p["completed_at"] = b.CompletedAt.Format(time.RFC3339)
		p["response_body_url"] = fmt.Sprintf("%s/archives/%s-response.%s?X-Amz-Expires=600", m.server.URL, b.ID, m.archiveFormat)
	}
	return p
}

func (m *MockPlatform) serveArchive(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/archives/")
	id, format, ok := strings.Cut(name, "-response.")
	if !ok {
		http.NotFound(w, r)
		return
	}

	m.mu.Lock()
	b, found := m.batches[id]
	files := make(map[string][]byte, len(m.extraFiles)+1)
	for k, v := range m.extraFiles {
		files[k] = v
	}
	var results []byte
	executed := found && b.executed
	if executed {
		results, _ = json.Marshal(b.Results)
	}
	m.mu.Unlock()

	if !executed {
		http.NotFound(w, r)
		return
	}
	files[id+".json"] = results

	var (
		data []byte
		err  error
	)
	switch format {
	case "zip":
		data, err = BuildZip(files)
	case "tar":
		data, err = BuildTar(files)
	default:
		data, err = BuildTarGz(files)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// execute applies one API call to the mock state. Callers hold m.mu.
func (m *MockPlatform) execute(method, path string, params map[string]string, body string) (int, any) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] != "lists" {
		return problem(http.StatusNotFound, "Resource Not Found", "unknown path "+path)
	}

	if len(parts) == 1 {
		if method != http.MethodPost {
			return problem(http.StatusMethodNotAllowed, "Method Not Allowed", method)
		}
		return m.createList(body)
	}

	l, ok := m.lists[parts[1]]
	if !ok {
		return problem(http.StatusNotFound, "Resource Not Found", "The requested resource could not be found.")
	}

	switch {
	case len(parts) == 2 && method == http.MethodGet:
		return http.StatusOK, listPayload(l)

	case len(parts) == 3 && parts[2] == "merge-fields":
		if method == http.MethodPost {
			return createMergeField(l, body)
		}
		count, offset := paging(params["count"], params["offset"])
		fields := make([]map[string]any, 0, len(l.MergeFields))
		for i, f := range l.MergeFields {
			fields = append(fields, map[string]any{
				"merge_id": i + 1, "tag": f.Tag, "name": f.Name, "type": f.Type, "public": f.Public, "list_id": l.ID,
			})
		}
		return http.StatusOK, map[string]any{"merge_fields": window(fields, count, offset), "total_items": len(fields)}

	case len(parts) == 3 && parts[2] == "members":
		if method == http.MethodPost {
			return addMember(l, body)
		}
		count, offset := paging(params["count"], params["offset"])
		return http.StatusOK, membersPayload(l.Members, count, offset)

	case len(parts) == 6 && parts[2] == "members" && parts[4] == "actions" && parts[5] == "delete-permanent":
		for i, mem := range l.Members {
			if mem.Hash() == parts[3] {
				l.Members = append(l.Members[:i], l.Members[i+1:]...)
				return http.StatusNoContent, nil
			}
		}
		return problem(http.StatusNotFound, "Resource Not Found", "no member "+parts[3])

	case len(parts) >= 4 && parts[2] == "segments":
		id, _ := strconv.Atoi(parts[3])
		s, ok := l.Segments[id]
		if !ok {
			return problem(http.StatusNotFound, "Resource Not Found", "no segment "+parts[3])
		}
		if len(parts) == 4 {
			return http.StatusOK, map[string]any{
				"id": s.ID, "name": s.Name, "member_count": len(s.Members), "list_id": l.ID, "type": "saved",
			}
		}
		if len(parts) == 5 && parts[4] == "members" {
			count, offset := paging(params["count"], params["offset"])
			return http.StatusOK, membersPayload(s.Members, count, offset)
		}
	}

	return problem(http.StatusNotFound, "Resource Not Found", "unknown path "+path)
}

func (m *MockPlatform) createList(body string) (int, any) {
	var req struct {
		Name               string         `json:"name"`
		Contact            map[string]any `json:"contact"`
		CampaignDefaults   map[string]any `json:"campaign_defaults"`
		PermissionReminder string         `json:"permission_reminder"`
		EmailTypeOption    *bool          `json:"email_type_option"`
	}
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return problem(http.StatusBadRequest, "JSON Parse Error", err.Error())
	}
	if req.Name == "" || req.Contact == nil || req.CampaignDefaults == nil || req.PermissionReminder == "" || req.EmailTypeOption == nil {
		return problem(http.StatusBadRequest, "Invalid Resource", "name, contact, campaign_defaults, permission_reminder and email_type_option are required")
	}

	m.nextID++
	l := &List{
		ID:                 fmt.Sprintf("list%04d", m.nextID),
		Name:               req.Name,
		Contact:            req.Contact,
		CampaignDefaults:   req.CampaignDefaults,
		PermissionReminder: req.PermissionReminder,
		EmailTypeOption:    *req.EmailTypeOption,
		MergeFields:        defaultMergeFields(),
		Segments:           make(map[int]*Segment),
	}
	m.lists[l.ID] = l
	return http.StatusOK, listPayload(l)
}

func createMergeField(l *List, body string) (int, any) {
	var f struct {
		Tag    string `json:"tag"`
		Name   string `json:"name"`
		Type   string `json:"type"`
		Public bool   `json:"public"`
	}
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return problem(http.StatusBadRequest, "JSON Parse Error", err.Error())
	}
	if f.Name == "" || f.Type == "" {
		return problem(http.StatusBadRequest, "Invalid Resource", "name and type are required")
	}
	for _, existing := range l.MergeFields {
		if existing.Tag == f.Tag {
			return problem(http.StatusBadRequest, "Invalid Resource", "A Merge Field with the tag \""+f.Tag+"\" already exists for this list.")
		}
	}
	l.MergeFields = append(l.MergeFields, MergeField{Tag: f.Tag, Name: f.Name, Type: f.Type, Public: f.Public})
	return http.StatusOK, map[string]any{"merge_id": len(l.MergeFields), "tag": f.Tag, "name": f.Name, "type": f.Type, "public": f.Public}
}

func addMember(l *List, body string) (int, any) {
	var req struct {
		EmailAddress string         `json:"email_address"`
		Status       string         `json:"status"`
		MergeFields  map[string]any `json:"merge_fields"`
	}
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return problem(http.StatusBadRequest, "JSON Parse Error", err.Error())
	}
	if !strings.Contains(req.EmailAddress, "@") {
		return problem(http.StatusBadRequest, "Invalid Resource", "Please provide a valid email address.")
	}
	mem := Member{Email: req.EmailAddress, Status: req.Status, MergeFields: req.MergeFields}
	for _, existing := range l.Members {
		if existing.Hash() == mem.Hash() {
			return problem(http.StatusBadRequest, "Member Exists", req.EmailAddress+" is already a list member.")
		}
	}
	l.Members = append(l.Members, mem)
	return http.StatusOK, mem.payload()
}

func listPayload(l *List) map[string]any {
	return map[string]any{
		"id":                  l.ID,
		"name":                l.Name,
		"contact":             l.Contact,
		"campaign_defaults":   l.CampaignDefaults,
		"permission_reminder": l.PermissionReminder,
		"email_type_option":   l.EmailTypeOption,
		"stats":               map[string]any{"member_count": len(l.Members)},
	}
}

func membersPayload(members []Member, count, offset int) map[string]any {
	all := make([]map[string]any, 0, len(members))
	for _, mem := range members {
		all = append(all, mem.payload())
	}
	return map[string]any{"members": window(all, count, offset), "total_items": len(members)}
}

func defaultMergeFields() []MergeField {
	return []MergeField{
		{Tag: "FNAME", Name: "First Name", Type: "text", Public: true},
		{Tag: "LNAME", Name: "Last Name", Type: "text", Public: true},
	}
}

// paging applies the platform defaults: count 10, offset 0.
func paging(count, offset string) (int, int) {
	c, err := strconv.Atoi(count)
	if err != nil || c <= 0 {
		c = 10
	}
	o, err := strconv.Atoi(offset)
	if err != nil || o < 0 {
		o = 0
	}
	return c, o
}

func window[T any](items []T, count, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + count
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func problem(status int, title, detail string) (int, any) {
	return status, map[string]any{
		"type":     "https://mailchimp.com/developer/marketing/docs/errors/",
		"title":    title,
		"status":   status,
		"detail":   detail,
		"instance": "mock",
	}
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	code, payload := problem(status, title, detail)
	writeJSON(w, code, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	if status >= 400 {
		w.Header().Set("Content-Type", "application/problem+json")
	} else {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(status)
	if payload != nil && status != http.StatusNoContent {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// sortedNames returns the keys of files in order.
func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
