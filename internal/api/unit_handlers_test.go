package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	customMiddleware "github.com/nimbusgrid/iotbroker/internal/api/middleware"
	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type fakeUnitRepo struct {
	byID map[string]*domain.Unit
}

func newFakeUnitRepo() *fakeUnitRepo {
	return &fakeUnitRepo{byID: map[string]*domain.Unit{}}
}

func (r *fakeUnitRepo) Add(ctx context.Context, u *domain.Unit) error {
	for _, existing := range r.byID {
		if existing.Code == u.Code {
			return storage.ErrConflict
		}
	}
	cp := *u
	r.byID[u.UnitID] = &cp
	return nil
}

func (r *fakeUnitRepo) Get(ctx context.Context, cond storage.UnitCond) (*domain.Unit, error) {
	if cond.UnitID != "" {
		if u, ok := r.byID[cond.UnitID]; ok {
			cp := *u
			return &cp, nil
		}
		return nil, storage.ErrNotFound
	}
	for _, u := range r.byID {
		if u.Code == cond.Code {
			cp := *u
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *fakeUnitRepo) List(ctx context.Context, cond storage.UnitCond, opts storage.ListOptions) (storage.ListResult[domain.Unit], error) {
	var items []domain.Unit
	for _, u := range r.byID {
		items = append(items, *u)
	}
	return storage.ListResult[domain.Unit]{Items: items}, nil
}

func (r *fakeUnitRepo) Count(ctx context.Context, cond storage.UnitCond) (int64, error) {
	return int64(len(r.byID)), nil
}

func (r *fakeUnitRepo) Update(ctx context.Context, cond storage.UnitCond, fields storage.UnitUpdate) error {
	u, ok := r.byID[cond.UnitID]
	if !ok {
		return storage.ErrNotFound
	}
	if fields.Name != nil {
		u.Name = *fields.Name
	}
	if fields.OwnerUserID != nil {
		u.OwnerUserID = *fields.OwnerUserID
	}
	if fields.MemberUserIDs != nil {
		u.MemberUserIDs = *fields.MemberUserIDs
	}
	return nil
}

func (r *fakeUnitRepo) Del(ctx context.Context, cond storage.UnitCond) error {
	if _, ok := r.byID[cond.UnitID]; !ok {
		return storage.ErrNotFound
	}
	delete(r.byID, cond.UnitID)
	return nil
}

func newTestServer(units storage.UnitRepository) *Server {
	return &Server{
		Repos:  storage.Repositories{Unit: units},
		Logger: testLogger(),
		Audit:  audit.Noop{},
	}
}

func withClaims(req *http.Request, c *auth.Claims) *http.Request {
	return req.WithContext(customMiddleware.WithClaims(req.Context(), c))
}

func TestHandleUnitCreate_NonAdminOwnsIt(t *testing.T) {
	s := newTestServer(newFakeUnitRepo())
	body, _ := json.Marshal(unitCreateRequest{Code: "Acme", Name: "Acme Corp"})
	req := httptest.NewRequest(http.MethodPost, "/unit", bytes.NewReader(body))
	req = withClaims(req, &auth.Claims{UserID: "u1", Roles: map[string]bool{"owner": true}})
	rr := httptest.NewRecorder()

	s.handleUnitCreate(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	var got domain.Unit
	require.NoError(t, json.Unmarshal(envelopeData(t, rr.Body.Bytes()), &got))
	require.Equal(t, "acme", got.Code)
	require.Equal(t, "u1", got.OwnerUserID)
}

func TestHandleUnitGet_DeniesNonMember(t *testing.T) {
	repo := newFakeUnitRepo()
	u := &domain.Unit{UnitID: "unit1", Code: "acme", OwnerUserID: "owner1", CreatedAt: domain.NowMS(), ModifiedAt: domain.NowMS()}
	require.NoError(t, repo.Add(context.Background(), u))
	s := newTestServer(repo)

	req := httptest.NewRequest(http.MethodGet, "/unit/unit1", nil)
	req = withClaims(req, &auth.Claims{UserID: "stranger", Roles: map[string]bool{}})
	req = requestWithURLParam(req, "id", "unit1")
	rr := httptest.NewRecorder()

	s.handleUnitGet(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandleUnitGet_AllowsOwner(t *testing.T) {
	repo := newFakeUnitRepo()
	u := &domain.Unit{UnitID: "unit1", Code: "acme", OwnerUserID: "owner1", CreatedAt: domain.NowMS(), ModifiedAt: domain.NowMS()}
	require.NoError(t, repo.Add(context.Background(), u))
	s := newTestServer(repo)

	req := httptest.NewRequest(http.MethodGet, "/unit/unit1", nil)
	req = withClaims(req, &auth.Claims{UserID: "owner1", Roles: map[string]bool{}})
	req = requestWithURLParam(req, "id", "unit1")
	rr := httptest.NewRecorder()

	s.handleUnitGet(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleUnitList_RequiresAdminOrManager(t *testing.T) {
	s := newTestServer(newFakeUnitRepo())
	req := httptest.NewRequest(http.MethodGet, "/unit/list", nil)
	req = withClaims(req, &auth.Claims{UserID: "u1", Roles: map[string]bool{"owner": true}})
	rr := httptest.NewRecorder()

	s.handleUnitList(rr, req)

	require.Equal(t, http.StatusForbidden, rr.Code)
}

// requestWithURLParam injects a chi URL param without routing through a
// full chi.Mux, mirroring how chi.URLParam reads from the request's route
// context in production.
func requestWithURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// envelopeData unwraps the {"data": ...} response envelope RespondData
// writes for non-raw responses.
func envelopeData(t *testing.T, body []byte) []byte {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	return env.Data
}
