package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"

	customMiddleware "github.com/nimbusgrid/iotbroker/internal/api/middleware"
	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// claimsFrom extracts the authenticated caller's claims. RequireAuth
// guarantees these are present on every route that calls this.
func claimsFrom(r *http.Request) *auth.Claims {
	c, _ := customMiddleware.GetClaims(r.Context())
	return c
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// canMutateUnit reports whether claims may create/update/delete entities
// scoped to unitID, per spec.md §4.7's permission matrix: admin has full
// access to every tenant, service acts as a machine-to-machine caller
// with the same broker-entity scope as admin (it is only user/client
// mutation and unrestricted admin listings that are withheld from it —
// see DESIGN.md), and unit.owner has full control within their own unit.
func (s *Server) canMutateUnit(ctx context.Context, claims *auth.Claims, unitID string) (bool, error) {
	if claims.HasRole("admin") || claims.HasRole("service") {
		return true, nil
	}
	u, err := s.Repos.Unit.Get(ctx, storage.UnitCond{UnitID: unitID})
	if err != nil {
		return false, err
	}
	return u.OwnerUserID == claims.UserID, nil
}

// canReadUnit reports whether claims may read entities scoped to unitID:
// admin/manager/service see every tenant; everyone else must own or
// belong to the unit (spec.md §4.7: unit.member gets read-only access
// within their unit).
func (s *Server) canReadUnit(ctx context.Context, claims *auth.Claims, unitID string) (bool, error) {
	if claims.HasRole("admin") || claims.HasRole("manager") || claims.HasRole("service") {
		return true, nil
	}
	u, err := s.Repos.Unit.Get(ctx, storage.UnitCond{UnitID: unitID})
	if err != nil {
		return false, err
	}
	return u.HasMember(claims.UserID), nil
}

// resolveListScope applies spec.md §4.7's listing gate: admin/manager/service
// see every tenant unless they narrow it with ?unit=; everyone else must
// supply ?unit= naming a unit they belong to (owner or member), and results
// are restricted to it. unitID is empty (with unrestricted=true) when the
// caller may see all units; a non-nil wireErr means the request must be
// rejected with that error.
func (s *Server) resolveListScope(r *http.Request, claims *auth.Claims) (unitID string, unrestricted bool, wireErr *apperrors.Error) {
	if claims.HasRole("admin") || claims.HasRole("manager") || claims.HasRole("service") {
		code := r.URL.Query().Get("unit")
		if code == "" {
			return "", true, nil
		}
		u, err := s.lookupUnitByParam(r.Context(), code)
		if err != nil {
			return "", false, apperrors.New(apperrors.CodeUnitNotExist, "unit not found")
		}
		return u.UnitID, false, nil
	}
	code := r.URL.Query().Get("unit")
	if code == "" {
		return "", false, apperrors.New(apperrors.CodePerm, "unit query parameter is required")
	}
	u, err := s.lookupUnitByParam(r.Context(), code)
	if err != nil {
		return "", false, apperrors.New(apperrors.CodeUnitNotExist, "unit not found")
	}
	if !u.HasMember(claims.UserID) {
		return "", false, apperrors.New(apperrors.CodePerm, "caller does not belong to this unit")
	}
	return u.UnitID, false, nil
}

// lookupUnitByParam resolves a ?unit= value that may be a unit_id or a
// unit code.
func (s *Server) lookupUnitByParam(ctx context.Context, param string) (*domain.Unit, error) {
	if u, err := s.Repos.Unit.Get(ctx, storage.UnitCond{UnitID: param}); err == nil {
		return u, nil
	}
	return s.Repos.Unit.Get(ctx, storage.UnitCond{Code: domain.NormalizeUnitCode(param)})
}
