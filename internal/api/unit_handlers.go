package api

import (
	"errors"
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

type unitCreateRequest struct {
	Code        string   `json:"code"`
	Name        string   `json:"name"`
	OwnerUserID string   `json:"ownerUserId,omitempty"`
	Info        map[string]any `json:"info,omitempty"`
}

// handleUnitCreate implements `POST /unit` (spec.md §4.7: "admins create
// any unit; non-admins create only units they will own").
func (s *Server) handleUnitCreate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req unitCreateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	code := domain.NormalizeUnitCode(req.Code)
	if err := domain.ValidateCode(code); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	owner := req.OwnerUserID
	if !claims.HasRole("admin") || owner == "" {
		owner = claims.UserID
	}
	now := domain.NowMS()
	u := &domain.Unit{
		UnitID:      domain.NewID(),
		Code:        code,
		OwnerUserID: owner,
		Name:        req.Name,
		Info:        req.Info,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	if err := s.Repos.Unit.Add(r.Context(), u); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, "unit code already exists"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionUnitCreate, Target: u.UnitID})
	helpers.RespondData(w, http.StatusCreated, u, false)
}

// handleUnitGet implements `GET /unit/{id}`: admin/manager may fetch any
// unit; anyone else only a unit they own or belong to.
func (s *Server) handleUnitGet(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	u, err := s.Repos.Unit.Get(r.Context(), storage.UnitCond{UnitID: urlParam(r, "id")})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNotFound, "unit not found"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	if !claims.HasRole("admin") && !claims.HasRole("manager") && !u.HasMember(claims.UserID) {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not belong to this unit"))
		return
	}
	helpers.RespondData(w, http.StatusOK, u, false)
}

// handleUnitList implements `GET /unit/list`, restricted to admin/manager
// (see DESIGN.md: listing every unit a non-privileged caller belongs to
// would require a membership-indexed repository query the C1 contract
// doesn't expose; unit.owner/member instead reach their unit directly via
// GET /unit/{id}).
func (s *Server) handleUnitList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.HasRole("admin") && !claims.HasRole("manager") {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "listing units requires admin or manager"))
		return
	}
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), map[string]string{"code": "Code", "created": "CreatedAt", "modified": "ModifiedAt"})
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.UnitCond{Code: r.URL.Query().Get("code")}
	page, err := s.Repos.Unit.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleUnitCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.HasRole("admin") && !claims.HasRole("manager") {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "counting units requires admin or manager"))
		return
	}
	cond := storage.UnitCond{Code: r.URL.Query().Get("code")}
	n, err := s.Repos.Unit.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

type unitUpdateRequest struct {
	Name          *string        `json:"name,omitempty"`
	OwnerUserID   *string        `json:"ownerUserId,omitempty"`
	MemberUserIDs *[]string      `json:"memberUserIds,omitempty"`
	Info          map[string]any `json:"info,omitempty"`
}

func (s *Server) handleUnitUpdate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id := urlParam(r, "id")
	ok, err := s.canMutateUnit(r.Context(), claims, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNotFound, "unit not found"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	if !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not modify this unit"))
		return
	}
	var req unitUpdateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if req.OwnerUserID != nil && !claims.HasRole("admin") {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "only admin may reassign unit ownership"))
		return
	}
	fields := storage.UnitUpdate{Name: req.Name, OwnerUserID: req.OwnerUserID, MemberUserIDs: req.MemberUserIDs, Info: req.Info}
	if err := s.Repos.Unit.Update(r.Context(), storage.UnitCond{UnitID: id}, fields); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNotFound, "unit not found"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondNoContent(w)
}

func (s *Server) handleUnitDelete(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id := urlParam(r, "id")
	ok, err := s.canMutateUnit(r.Context(), claims, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNotFound, "unit not found"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	if !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not delete this unit"))
		return
	}
	if s.Cfg.RequireMFAForUnitDelete && claims.HasRole("admin") {
		stepUp := r.Header.Get("X-Step-Up-Token")
		if stepUp == "" {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeAuth, "step-up token required for unit deletion"))
			return
		}
		if err := s.Auth.ConsumeStepUp(stepUp, claims.UserID); err != nil {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeAuth, "invalid or expired step-up token"))
			return
		}
	}
	if err := s.Repos.Unit.Del(r.Context(), storage.UnitCond{UnitID: id}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNotFound, "unit not found"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionUnitDelete, Target: id})
	helpers.RespondNoContent(w)
}
