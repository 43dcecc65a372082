package api

import (
	"errors"
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

var userSortFields = map[string]string{"account": "Account", "created": "CreatedAt", "modified": "ModifiedAt"}

type userCreateRequest struct {
	Account  string          `json:"account"`
	Name     string          `json:"name"`
	Password string          `json:"password"`
	Roles    map[string]bool `json:"roles,omitempty"`
}

// handleUserCreate implements `POST /user`. Only admin/manager may create
// accounts with elevated roles (the same grant rules auth.SetRoles
// enforces); when cfg.AllowPublicRegistration is set, any authenticated
// caller may additionally self-register a plain (roleless) account — the
// supplemented onboarding path spec.md's C8 distillation left implicit.
func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req userCreateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	isPrivileged := claims.HasRole("admin") || claims.HasRole("manager")
	if !isPrivileged {
		if !s.Cfg.AllowPublicRegistration {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "user creation requires admin or manager"))
			return
		}
		if len(req.Roles) > 0 {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "self-registration may not request roles"))
			return
		}
	} else if err := validateRoleGrant(claims.Roles, req.Roles); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, err.Error()))
		return
	}
	u, err := s.Auth.Register(r.Context(), req.Account, req.Name, req.Password, req.Roles)
	if err != nil {
		helpers.RespondErr(w, s.Logger, err)
		return
	}
	helpers.RespondData(w, http.StatusCreated, u, false)
}

// validateRoleGrant mirrors auth.AuthService.SetRoles' elevation rules so
// user creation can't be used to bypass them.
func validateRoleGrant(callerRoles, desired map[string]bool) error {
	if desired["admin"] && !callerRoles["admin"] {
		return errors.New("only admin may grant the admin role")
	}
	if desired["manager"] && !callerRoles["admin"] && !callerRoles["manager"] {
		return errors.New("only admin or manager may grant the manager role")
	}
	if desired["service"] && (desired["admin"] || desired["manager"]) {
		return errors.New("service role is exclusive with admin/manager")
	}
	return nil
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id := urlParam(r, "id")
	if !claims.HasRole("admin") && !claims.HasRole("manager") && claims.UserID != id {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may only read their own profile"))
		return
	}
	u, err := s.Repos.User.Get(r.Context(), storage.UserCond{UserID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapUserLookupErr(err))
		return
	}
	helpers.RespondData(w, http.StatusOK, u, false)
}

func (s *Server) mapUserLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "user not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}

// handleUserList implements `GET /user/list`, restricted to admin/manager
// — dev-role callers have no "list my peers" operation in spec.md §4.7.
func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.HasRole("admin") && !claims.HasRole("manager") {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "listing users requires admin or manager"))
		return
	}
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), userSortFields)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.UserCond{Contains: r.URL.Query().Get("contains")}
	page, err := s.Repos.User.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleUserCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.HasRole("admin") && !claims.HasRole("manager") {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "counting users requires admin or manager"))
		return
	}
	cond := storage.UserCond{Contains: r.URL.Query().Get("contains")}
	n, err := s.Repos.User.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

type userUpdateRequest struct {
	Name     *string         `json:"name,omitempty"`
	Password *string         `json:"password,omitempty"`
	Roles    map[string]bool `json:"roles,omitempty"`
	Disabled *bool           `json:"disabled,omitempty"`
}

// handleUserUpdate implements `PATCH /user/{id}`. dev-role callers may
// only touch their own name/password; role and disabled-state changes
// always flow through auth.AuthService so the elevation rules apply.
func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	id := urlParam(r, "id")
	isSelf := claims.UserID == id
	isPrivileged := claims.HasRole("admin") || claims.HasRole("manager")
	if !isPrivileged && !isSelf {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not modify this account"))
		return
	}
	var req userUpdateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if (req.Roles != nil || req.Disabled != nil) && !isPrivileged {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "only admin or manager may change roles or disabled state"))
		return
	}
	if req.Password != nil {
		if err := s.Auth.ChangePassword(r.Context(), id, *req.Password); err != nil {
			helpers.RespondErr(w, s.Logger, err)
			return
		}
	}
	if req.Roles != nil {
		if err := validateRoleGrant(claims.Roles, req.Roles); err != nil {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, err.Error()))
			return
		}
		if err := s.Auth.SetRoles(r.Context(), claims.Roles, id, req.Roles); err != nil {
			helpers.RespondErr(w, s.Logger, mapAuthErr(err))
			return
		}
	}
	if req.Disabled != nil {
		target, err := s.Repos.User.Get(r.Context(), storage.UserCond{UserID: id})
		if err != nil {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNotFound, "user not found"))
			return
		}
		if *req.Disabled && (target.HasRole("admin") || target.HasRole("manager")) && claims.HasRole("manager") && !claims.HasRole("admin") {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "manager may not disable admin or manager accounts"))
			return
		}
		if err := s.Auth.Disable(r.Context(), id, *req.Disabled); err != nil {
			helpers.RespondErr(w, s.Logger, err)
			return
		}
	}
	if req.Name != nil {
		if err := s.Repos.User.Update(r.Context(), storage.UserCond{UserID: id}, storage.UserUpdate{Name: req.Name}); err != nil {
			helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
			return
		}
	}
	helpers.RespondNoContent(w)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if !claims.HasRole("admin") {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "deleting accounts requires admin"))
		return
	}
	id := urlParam(r, "id")
	if err := s.Repos.User.Del(r.Context(), storage.UserCond{UserID: id}); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNotFound, "user not found"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondNoContent(w)
}

func mapAuthErr(err error) error {
	switch {
	case errors.Is(err, auth.ErrRoleForbidden):
		return apperrors.New(apperrors.CodePerm, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrAccountDisabled),
		errors.Is(err, auth.ErrInvalidCode), errors.Is(err, auth.ErrMFANotEnabled),
		errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return apperrors.New(apperrors.CodeAuth, err.Error())
	default:
		if wireErr, ok := apperrors.As(err); ok {
			return wireErr
		}
		return apperrors.Wrap(apperrors.CodeDB, err)
	}
}
