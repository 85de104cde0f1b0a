package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ledger-auth-gateway/common"
	"ledger-auth-gateway/logger"
	"ledger-auth-gateway/model"
	"ledger-auth-gateway/repository"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
)

var tracer = otel.Tracer("ledger-auth-gateway/service")

// ICredentialAuthenticator checks a username and password and returns the
// authenticated session. Any failure wraps common.ErrAuthenticationFailed;
// failures caused by the datastore being unreachable also wrap
// common.ErrUpstreamUnavailable.
type ICredentialAuthenticator interface {
	Authenticate(ctx context.Context, username, password string) (*model.Session, error)
}

// CouchAuthenticator validates credentials against CouchDB's _session endpoint.
type CouchAuthenticator struct {
	sessionURL string
	client     *http.Client
}

func NewCouchAuthenticator(baseURL string, client *http.Client) *CouchAuthenticator {
	if client == nil {
		client = http.DefaultClient
	}
	return &CouchAuthenticator{
		sessionURL: strings.TrimSuffix(baseURL, "/") + "/_session",
		client:     client,
	}
}

type couchSessionResponse struct {
	OK      bool `json:"ok"`
	UserCtx struct {
		Name  *string  `json:"name"`
		Roles []string `json:"roles"`
	} `json:"userCtx"`
}

func (a *CouchAuthenticator) Authenticate(ctx context.Context, username, password string) (*model.Session, error) {
	ctx, span := tracer.Start(ctx, "CouchAuthenticator.Authenticate", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("user.name", username))

	log := logger.Log.WithField("name", username)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.sessionURL, nil)
	if err != nil {
		return nil, errors.Join(common.ErrAuthenticationFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(username, password)

	resp, err := a.client.Do(req)
	if err != nil {
		log.WithError(err).Error("Couchdb session request failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "session request failed")
		return nil, errors.Join(common.ErrAuthenticationFailed, fmt.Errorf("%w: %v", common.ErrUpstreamUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		log.WithField("status", resp.StatusCode).Info("Couchdb rejected credentials")
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, errors.Join(common.ErrAuthenticationFailed,
				fmt.Errorf("%w: couchdb _session returned %d", common.ErrUpstreamUnavailable, resp.StatusCode))
		}
		return nil, fmt.Errorf("%w: couchdb _session returned %d", common.ErrAuthenticationFailed, resp.StatusCode)
	}

	var body couchSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", common.ErrAuthenticationFailed, err)
	}
	// An anonymous session is ok:true with a null name.
	if !body.OK || body.UserCtx.Name == nil || *body.UserCtx.Name == "" {
		log.Info("Couchdb returned an anonymous session")
		return nil, fmt.Errorf("%w: anonymous session", common.ErrAuthenticationFailed)
	}

	roles := body.UserCtx.Roles
	if roles == nil {
		roles = []string{}
	}
	return &model.Session{Name: *body.UserCtx.Name, Roles: roles}, nil
}

// dummyHash keeps the cost of a lookup for an unknown user in line with a
// real bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("ledger-auth-gateway"), bcrypt.DefaultCost)

// PasswordAuthenticator validates credentials against bcrypt hashes stored on
// the user records, for datastores without their own session endpoint.
type PasswordAuthenticator struct {
	repo repository.IRecordRepository
}

func NewPasswordAuthenticator(repo repository.IRecordRepository) *PasswordAuthenticator {
	return &PasswordAuthenticator{repo: repo}
}

func (a *PasswordAuthenticator) Authenticate(ctx context.Context, username, password string) (*model.Session, error) {
	ctx, span := tracer.Start(ctx, "PasswordAuthenticator.Authenticate")
	defer span.End()
	span.SetAttributes(attribute.String("user.name", username))

	rec, err := a.repo.GetByName(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, fmt.Errorf("%w: unknown user", common.ErrAuthenticationFailed)
		}
		span.RecordError(err)
		return nil, errors.Join(common.ErrAuthenticationFailed, err)
	}

	if rec.PasswordHash == "" || !CheckPasswordHash(password, rec.PasswordHash) {
		logger.Log.WithFields(logrus.Fields{"name": username}).Info("Password mismatch")
		return nil, fmt.Errorf("%w: password mismatch", common.ErrAuthenticationFailed)
	}
	return &model.Session{Name: rec.Name, Roles: rec.Roles}, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		logger.Log.WithError(err).Error("Failed to hash password")
		return "", err
	}
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
