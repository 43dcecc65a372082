package api

import (
	"errors"
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/nimbusgrid/iotbroker/internal/controlbus"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

var applicationSortFields = map[string]string{"code": "Code", "created": "CreatedAt", "modified": "ModifiedAt"}

type applicationRequest struct {
	UnitID  string         `json:"unitId"`
	Code    string         `json:"code"`
	HostURI string         `json:"hostUri"`
	Name    string         `json:"name"`
	Info    map[string]any `json:"info,omitempty"`
}

// handleApplicationCreate implements `POST /application`. Creating an
// application dials and registers its manager immediately, so the
// handler publishes an add-manager control record (spec.md §4.5) after
// the insert commits — every api replica's manager.Lifecycle picks it up
// via the control bus rather than the HTTP layer touching the registry
// directly.
func (s *Server) handleApplicationCreate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req applicationRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	ok, err := s.canMutateUnit(r.Context(), claims, req.UnitID)
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapUnitLookupErr(err))
		return
	}
	if !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not create applications in this unit"))
		return
	}
	unit, err := s.Repos.Unit.Get(r.Context(), storage.UnitCond{UnitID: req.UnitID})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapUnitLookupErr(err))
		return
	}
	code := domain.NormalizeCode(req.Code)
	if err := domain.ValidateCode(code); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	now := domain.NowMS()
	app := &domain.Application{
		ApplicationID: domain.NewID(),
		UnitID:        unit.UnitID,
		UnitCode:      unit.Code,
		Code:          code,
		HostURI:       req.HostURI,
		Name:          req.Name,
		Info:          req.Info,
		CreatedAt:     now,
		ModifiedAt:    now,
	}
	if err := s.Repos.Application.Add(r.Context(), app); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, "application code already exists in this unit"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.publishAddApplicationManager(r, app)
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionAppCreate, Target: app.ApplicationID})
	helpers.RespondData(w, http.StatusCreated, app, false)
}

func (s *Server) publishAddApplicationManager(r *http.Request, app *domain.Application) {
	if s.Bus == nil {
		return
	}
	rec, err := controlbus.NewAddManager(app.HostURI, controlbus.MgrOptions{
		UnitID:   app.UnitID,
		UnitCode: app.UnitCode,
		ID:       app.ApplicationID,
		Name:     app.Code,
		Prefetch: s.Cfg.MQPrefetch,
		Persistent: s.Cfg.MQPersistent,
		SharedPrefix: s.Cfg.MQSharedPrefix,
	})
	if err != nil {
		s.Logger.Error("build add-manager record", "error", err)
		return
	}
	if err := s.Bus.Publish(r.Context(), controlbus.KindApplication, rec); err != nil {
		s.Logger.Error("publish add-manager", "error", err, "application_id", app.ApplicationID)
	}
}

func (s *Server) handleApplicationGet(w http.ResponseWriter, r *http.Request) {
	app, err := s.Repos.Application.Get(r.Context(), storage.ApplicationCond{ApplicationID: urlParam(r, "id")})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapApplicationLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canReadUnit(r.Context(), claims, app.UnitID); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapUnitLookupErr(err))
		return
	} else if !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not belong to this unit"))
		return
	}
	helpers.RespondData(w, http.StatusOK, app, false)
}

func (s *Server) handleApplicationList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), applicationSortFields)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.ApplicationCond{Contains: r.URL.Query().Get("contains")}
	if !unrestricted {
		cond.UnitID = unitID
	}
	page, err := s.Repos.Application.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleApplicationCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	cond := storage.ApplicationCond{Contains: r.URL.Query().Get("contains")}
	if !unrestricted {
		cond.UnitID = unitID
	}
	n, err := s.Repos.Application.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

type applicationUpdateRequest struct {
	HostURI *string        `json:"hostUri,omitempty"`
	Name    *string        `json:"name,omitempty"`
	Info    map[string]any `json:"info,omitempty"`
}

// handleApplicationUpdate implements `PATCH /application/{id}`. A
// host_uri change tears down and re-registers the live manager: del-manager
// then add-manager (spec.md §4.7), so every api replica re-dials against
// the new endpoint instead of continuing to drain the old one.
func (s *Server) handleApplicationUpdate(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	app, err := s.Repos.Application.Get(r.Context(), storage.ApplicationCond{ApplicationID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapApplicationLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	ok, err := s.canMutateUnit(r.Context(), claims, app.UnitID)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	if !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not modify this application"))
		return
	}
	var req applicationUpdateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	fields := storage.ApplicationUpdate{HostURI: req.HostURI, Name: req.Name, Info: req.Info}
	if err := s.Repos.Application.Update(r.Context(), storage.ApplicationCond{ApplicationID: id}, fields); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapApplicationLookupErr(err))
		return
	}
	if req.HostURI != nil && *req.HostURI != app.HostURI {
		s.republishApplicationManager(r, app, *req.HostURI)
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionAppUpdate, Target: id})
	helpers.RespondNoContent(w)
}

func (s *Server) republishApplicationManager(r *http.Request, app *domain.Application, newHostURI string) {
	if s.Bus == nil {
		return
	}
	managerKey := app.UnitCode + "." + app.Code
	if rec, err := controlbus.NewDelManager(managerKey); err == nil {
		if err := s.Bus.Publish(r.Context(), controlbus.KindApplication, rec); err != nil {
			s.Logger.Error("publish del-manager", "error", err, "manager_key", managerKey)
		}
	}
	app.HostURI = newHostURI
	s.publishAddApplicationManager(r, app)
}

// handleApplicationDelete implements `DELETE /application/{id}`: tears
// down the live manager and removes every device-route and dldata-buffer
// that referenced it (spec.md §4.7's cascade).
func (s *Server) handleApplicationDelete(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	app, err := s.Repos.Application.Get(r.Context(), storage.ApplicationCond{ApplicationID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapApplicationLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	ok, err := s.canMutateUnit(r.Context(), claims, app.UnitID)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	if !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not delete this application"))
		return
	}
	if err := s.cascadeDeleteApplication(r, app); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionAppDelete, Target: id})
	helpers.RespondNoContent(w)
}

func (s *Server) cascadeDeleteApplication(r *http.Request, app *domain.Application) error {
	ctx := r.Context()
	routes, err := s.Repos.DeviceRoute.List(ctx, storage.DeviceRouteCond{ApplicationID: app.ApplicationID}, storage.ListOptions{Limit: storage.NoLimit})
	if err != nil {
		return err
	}
	if len(routes.Items) > 0 {
		ids := make([]string, len(routes.Items))
		deviceIDs := make([]string, len(routes.Items))
		for i, rt := range routes.Items {
			ids[i] = rt.RouteID
			deviceIDs[i] = rt.DeviceID
		}
		if err := s.Repos.DeviceRoute.DelBulk(ctx, ids); err != nil {
			return err
		}
		s.publishDeviceRouteBulkDeleted(r, deviceIDs)
	}
	if err := s.Repos.DlDataBuffer.Del(ctx, storage.DlDataBufferCond{ApplicationID: app.ApplicationID}); err != nil {
		return err
	}
	if err := s.Repos.Application.Del(ctx, storage.ApplicationCond{ApplicationID: app.ApplicationID}); err != nil {
		return err
	}
	if s.Bus != nil {
		if rec, err := controlbus.NewDelApplication(controlbus.EntityDeletedPayload{UnitID: app.UnitID, UnitCode: app.UnitCode, EntityID: app.ApplicationID, Code: app.Code}); err == nil {
			if err := s.Bus.Publish(ctx, controlbus.KindApplication, rec); err != nil {
				s.Logger.Error("publish del-application", "error", err, "application_id", app.ApplicationID)
			}
		}
		managerKey := app.UnitCode + "." + app.Code
		if rec, err := controlbus.NewDelManager(managerKey); err == nil {
			if err := s.Bus.Publish(ctx, controlbus.KindApplication, rec); err != nil {
				s.Logger.Error("publish del-manager", "error", err, "manager_key", managerKey)
			}
		}
	}
	return nil
}

func (s *Server) publishDeviceRouteBulkDeleted(r *http.Request, deviceIDs []string) {
	if s.Bus == nil || len(deviceIDs) == 0 {
		return
	}
	rec, err := controlbus.NewDeviceRouteBulkDeleted(deviceIDs)
	if err != nil {
		s.Logger.Error("build del-device-route record", "error", err)
		return
	}
	if err := s.Bus.Publish(r.Context(), controlbus.KindDeviceRoute, rec); err != nil {
		s.Logger.Error("publish del-device-route", "error", err)
	}
}

func (s *Server) mapUnitLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeUnitNotExist, "unit not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}

func (s *Server) mapApplicationLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeApplicationNotExist, "application not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}
