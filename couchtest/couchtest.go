// Package couchtest provides an in-process fake of the CouchDB endpoints the
// gateway talks to: _session, the users database documents, _find and _up.
package couchtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const (
	AdminUser     = "admin"
	AdminPassword = "secret"
	UsersDB       = "_users"
	userPrefix    = "org.couchdb.user:"
)

type Server struct {
	*httptest.Server

	mu        sync.Mutex
	docs      map[string]map[string]interface{}
	passwords map[string]string
	// requests counts calls per "METHOD path".
	requests map[string]int
}

func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		docs:      make(map[string]map[string]interface{}),
		passwords: make(map[string]string),
		requests:  make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// AddUser creates a _users document with the given password and roles.
func (s *Server) AddUser(name, password string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if roles == nil {
		roles = []string{}
	}
	s.passwords[name] = password
	s.docs[userPrefix+name] = map[string]interface{}{
		"_id":             userPrefix + name,
		"_rev":            "1-fake",
		"type":            "user",
		"name":            name,
		"roles":           toInterfaces(roles),
		"refreshTokens":   []interface{}{},
		"password_scheme": "pbkdf2",
		"derived_key":     "derived-" + name,
	}
}

func (s *Server) RefreshTokens(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[userPrefix+name]
	if !ok {
		return nil
	}
	return toStrings(doc["refreshTokens"])
}

// Field returns a raw document field, for asserting that writes preserve it.
func (s *Server) Field(name, field string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[userPrefix+name][field]
}

func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.Method+" "+r.URL.Path]++

	switch {
	case r.URL.Path == "/_up":
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	case r.URL.Path == "/_session":
		s.session(w, r)
	case strings.HasPrefix(r.URL.Path, "/"+UsersDB+"/"):
		if !s.isAdmin(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
			return
		}
		doc := strings.TrimPrefix(r.URL.Path, "/"+UsersDB+"/")
		switch {
		case doc == "_find" && r.Method == http.MethodPost:
			s.find(w, r)
		case r.Method == http.MethodGet:
			s.get(w, doc)
		case r.Method == http.MethodPut:
			s.put(w, r, doc)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]interface{}{"error": "method_not_allowed"})
		}
	default:
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not_found"})
	}
}

func (s *Server) isAdmin(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	return ok && user == AdminUser && pass == AdminPassword
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"userCtx": map[string]interface{}{"name": nil, "roles": []interface{}{}},
		})
		return
	}
	if user == AdminUser && pass == AdminPassword {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"userCtx": map[string]interface{}{"name": user, "roles": []interface{}{"_admin"}},
		})
		return
	}
	expected, known := s.passwords[user]
	if !known || expected != pass {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":  "unauthorized",
			"reason": "Name or password is incorrect.",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"userCtx": map[string]interface{}{"name": user, "roles": s.docs[userPrefix+user]["roles"]},
	})
}

func (s *Server) get(w http.ResponseWriter, id string) {
	doc, ok := s.docs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not_found", "reason": "missing"})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) put(w http.ResponseWriter, r *http.Request, id string) {
	var doc map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_request"})
		return
	}
	current, ok := s.docs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "not_found"})
		return
	}
	if doc["_rev"] != current["_rev"] {
		writeJSON(w, http.StatusConflict, map[string]interface{}{"error": "conflict", "reason": "Document update conflict."})
		return
	}

	n, _ := strconv.Atoi(strings.SplitN(current["_rev"].(string), "-", 2)[0])
	rev := fmt.Sprintf("%d-fake", n+1)
	doc["_rev"] = rev
	s.docs[id] = doc
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": id, "rev": rev})
}

func (s *Server) find(w http.ResponseWriter, r *http.Request) {
	var query struct {
		Selector struct {
			RefreshTokens struct {
				ElemMatch struct {
					Eq string `json:"$eq"`
				} `json:"$elemMatch"`
			} `json:"refreshTokens"`
		} `json:"selector"`
	}
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "bad_request"})
		return
	}
	token := query.Selector.RefreshTokens.ElemMatch.Eq

	docs := []interface{}{}
	for _, doc := range s.docs {
		if slices.Contains(toStrings(doc["refreshTokens"]), token) {
			docs = append(docs, doc)
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"docs": docs})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}

func toStrings(v interface{}) []string {
	var out []string
	switch vals := v.(type) {
	case []interface{}:
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, vals...)
	}
	return out
}
