// file: repository/couch_repository.go

package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"

	"github.com/sirupsen/logrus"
)

const couchUserPrefix = "org.couchdb.user:"

// CouchRecordRepository stores user records as documents in CouchDB's users
// database, using the server admin credentials.
type CouchRecordRepository struct {
	baseURL       *url.URL
	usersDB       string
	adminUser     string
	adminPassword string
	client        *http.Client
}

func NewCouchRecordRepository(rawURL, usersDB, adminUser, adminPassword string, client *http.Client) (*CouchRecordRepository, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid couchdb url %q: %w", rawURL, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if usersDB == "" {
		usersDB = "_users"
	}
	return &CouchRecordRepository{
		baseURL:       u,
		usersDB:       usersDB,
		adminUser:     adminUser,
		adminPassword: adminPassword,
		client:        client,
	}, nil
}

// couchUserDoc is the subset of a _users document the gateway reads.
type couchUserDoc struct {
	ID            string   `json:"_id"`
	Rev           string   `json:"_rev"`
	Name          string   `json:"name"`
	Roles         []string `json:"roles"`
	RefreshTokens []string `json:"refreshTokens"`
}

func (d couchUserDoc) record() *model.UserRecord {
	return &model.UserRecord{
		Name:          d.Name,
		Roles:         d.Roles,
		RefreshTokens: d.RefreshTokens,
		Revision:      d.Rev,
	}
}

func (r *CouchRecordRepository) GetByName(ctx context.Context, name string) (*model.UserRecord, error) {
	var doc couchUserDoc
	if _, err := r.getDoc(ctx, name, &doc); err != nil {
		return nil, err
	}
	return doc.record(), nil
}

func (r *CouchRecordRepository) GetByRefreshToken(ctx context.Context, token string) (*model.UserRecord, error) {
	log := logger.Log.WithField("token_fingerprint", common.Fingerprint(token))
	log.Debug("Querying couchdb for refresh token owner")

	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"refreshTokens": map[string]interface{}{
				"$elemMatch": map[string]interface{}{"$eq": token},
			},
		},
		"limit": 1,
	}
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}

	var result struct {
		Docs []couchUserDoc `json:"docs"`
	}
	status, err := r.do(ctx, http.MethodPost, r.dbPath("_find"), body, &result)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		log.WithField("status", status).Error("Couchdb find request failed")
		return nil, fmt.Errorf("%w: couchdb _find returned %d", common.ErrUpstreamUnavailable, status)
	}
	if len(result.Docs) == 0 {
		return nil, common.ErrUserNotFound
	}
	return result.Docs[0].record(), nil
}

// Save writes the record back with its revision. The full stored document is
// re-read and patched so fields the gateway does not own, such as the
// password hash, survive the write.
func (r *CouchRecordRepository) Save(ctx context.Context, rec *model.UserRecord) error {
	log := logger.Log.WithFields(logrus.Fields{
		"name":     rec.Name,
		"revision": rec.Revision,
		"tokens":   len(rec.RefreshTokens),
	})

	var doc map[string]interface{}
	if _, err := r.getDoc(ctx, rec.Name, &doc); err != nil {
		return err
	}
	if current, _ := doc["_rev"].(string); current != rec.Revision {
		log.WithField("current_revision", current).Warn("User record revision changed underneath update")
		return common.ErrConflict
	}

	doc["roles"] = nonNil(rec.Roles)
	doc["refreshTokens"] = nonNil(rec.RefreshTokens)
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	var result struct {
		Rev string `json:"rev"`
	}
	status, err := r.do(ctx, http.MethodPut, r.dbPath(couchUserPrefix+rec.Name), body, &result)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusAccepted, http.StatusOK:
		rec.Revision = result.Rev
		return nil
	case http.StatusConflict:
		log.Warn("Couchdb rejected user record update with conflict")
		return common.ErrConflict
	case http.StatusNotFound:
		return common.ErrUserNotFound
	default:
		log.WithField("status", status).Error("Couchdb user record update failed")
		return fmt.Errorf("%w: couchdb put returned %d", common.ErrUpstreamUnavailable, status)
	}
}

func (r *CouchRecordRepository) Ping(ctx context.Context) error {
	status, err := r.do(ctx, http.MethodGet, "/_up", nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: couchdb _up returned %d", common.ErrUpstreamUnavailable, status)
	}
	return nil
}

func (r *CouchRecordRepository) getDoc(ctx context.Context, name string, out interface{}) (int, error) {
	status, err := r.do(ctx, http.MethodGet, r.dbPath(couchUserPrefix+name), nil, out)
	if err != nil {
		return status, err
	}
	switch status {
	case http.StatusOK:
		return status, nil
	case http.StatusNotFound:
		return status, common.ErrUserNotFound
	default:
		logger.Log.WithFields(logrus.Fields{"name": name, "status": status}).Error("Couchdb user record read failed")
		return status, fmt.Errorf("%w: couchdb get returned %d", common.ErrUpstreamUnavailable, status)
	}
}

func (r *CouchRecordRepository) dbPath(doc string) string {
	return "/" + url.PathEscape(r.usersDB) + "/" + url.PathEscape(doc)
}

// do sends an authenticated request and decodes a 2xx JSON body into out.
func (r *CouchRecordRepository) do(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	target := strings.TrimSuffix(r.baseURL.String(), "/") + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(r.adminUser, r.adminPassword)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: decode couchdb response: %v", common.ErrUpstreamUnavailable, err)
		}
		return resp.StatusCode, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
