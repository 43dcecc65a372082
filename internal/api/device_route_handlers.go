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

var deviceRouteSortFields = map[string]string{
	"application": string(storage.SortApplicationCode),
	"network":     string(storage.SortNetworkCode),
	"addr":        string(storage.SortNetworkAddr),
	"created":     string(storage.SortCreatedAt),
	"modified":    string(storage.SortModifiedAt),
}

// resolveRouteEndpoints fetches the application and device a device-route
// binds and checks their units match (spec.md §4.7's err_broker_unit_not_match:
// a device on a unit-owned network may only route to an application in
// the same unit; a device on a public network may route to any unit's
// application).
func (s *Server) resolveRouteEndpoints(r *http.Request, applicationID, deviceID string) (*domain.Application, *domain.Device, *apperrors.Error) {
	app, err := s.Repos.Application.Get(r.Context(), storage.ApplicationCond{ApplicationID: applicationID})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperrors.New(apperrors.CodeApplicationNotExist, "application not found")
		}
		return nil, nil, apperrors.Wrap(apperrors.CodeDB, err)
	}
	d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{DeviceID: deviceID})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, apperrors.New(apperrors.CodeDeviceNotExist, "device not found")
		}
		return nil, nil, apperrors.Wrap(apperrors.CodeDB, err)
	}
	if d.UnitID != "" && d.UnitID != app.UnitID {
		return nil, nil, apperrors.New(apperrors.CodeUnitNotMatch, "device and application belong to different units")
	}
	claims := claimsFrom(r)
	ok, err := s.canMutateUnit(r.Context(), claims, app.UnitID)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.CodeDB, err)
	}
	if !ok {
		return nil, nil, apperrors.New(apperrors.CodePerm, "caller may not manage routes for this application")
	}
	return app, d, nil
}

func newDeviceRoute(app *domain.Application, d *domain.Device) *domain.DeviceRoute {
	now := domain.NowMS()
	return &domain.DeviceRoute{
		RouteID:         domain.NewID(),
		UnitID:          app.UnitID,
		UnitCode:        app.UnitCode,
		ApplicationID:   app.ApplicationID,
		ApplicationCode: app.Code,
		NetworkID:       d.NetworkID,
		NetworkCode:     d.NetworkCode,
		NetworkAddr:     d.NetworkAddr,
		DeviceID:        d.DeviceID,
		Profile:         d.Profile,
		CreatedAt:       now,
		ModifiedAt:      now,
	}
}

type deviceRouteRequest struct {
	ApplicationID string `json:"applicationId"`
	DeviceID      string `json:"deviceId"`
}

func (s *Server) handleDeviceRouteCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceRouteRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	app, d, wireErr := s.resolveRouteEndpoints(r, req.ApplicationID, req.DeviceID)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	route := newDeviceRoute(app, d)
	if err := s.Repos.DeviceRoute.Add(r.Context(), route); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeRouteExist, "route already exists"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claimsFrom(r).UserID, Action: audit.ActionDeviceRouteAdd, Target: route.RouteID})
	helpers.RespondData(w, http.StatusCreated, route, false)
}

type deviceRouteBulkRequest struct {
	ApplicationID string   `json:"applicationId"`
	DeviceIDs     []string `json:"deviceIds"`
}

func (s *Server) handleDeviceRouteBulkCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceRouteBulkRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if len(req.DeviceIDs) == 0 || len(req.DeviceIDs) > domain.BulkMax {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, "deviceIds must contain between 1 and BULK_MAX entries"))
		return
	}
	app, err := s.Repos.Application.Get(r.Context(), storage.ApplicationCond{ApplicationID: req.ApplicationID})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapApplicationLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateUnit(r.Context(), claims, app.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not manage routes for this application"))
		return
	}
	routes := make([]*domain.DeviceRoute, 0, len(req.DeviceIDs))
	for _, deviceID := range req.DeviceIDs {
		d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{DeviceID: deviceID})
		if err != nil {
			helpers.RespondErr(w, s.Logger, s.mapDeviceLookupErr(err))
			return
		}
		if d.UnitID != "" && d.UnitID != app.UnitID {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeUnitNotMatch, "device and application belong to different units"))
			return
		}
		routes = append(routes, newDeviceRoute(app, d))
	}
	if err := s.Repos.DeviceRoute.AddBulk(r.Context(), routes); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeRouteExist, "one or more routes already exist"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionDeviceRouteAdd, Target: app.ApplicationID, Metadata: map[string]any{"count": len(routes)}})
	helpers.RespondData(w, http.StatusCreated, routes, false)
}

type deviceRouteBulkDeleteRequest struct {
	RouteIDs []string `json:"routeIds"`
}

func (s *Server) handleDeviceRouteBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req deviceRouteBulkDeleteRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if len(req.RouteIDs) == 0 || len(req.RouteIDs) > domain.BulkMax {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, "routeIds must contain between 1 and BULK_MAX entries"))
		return
	}
	claims := claimsFrom(r)
	deviceIDs := make([]string, 0, len(req.RouteIDs))
	for _, id := range req.RouteIDs {
		rt, err := s.Repos.DeviceRoute.Get(r.Context(), storage.DeviceRouteCond{RouteID: id})
		if err != nil {
			continue
		}
		if ok, _ := s.canMutateUnit(r.Context(), claims, rt.UnitID); !ok {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not delete one or more of these routes"))
			return
		}
		deviceIDs = append(deviceIDs, rt.DeviceID)
	}
	if err := s.Repos.DeviceRoute.DelBulk(r.Context(), req.RouteIDs); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.publishDeviceRouteBulkDeleted(r, deviceIDs)
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionDeviceRouteDel, Metadata: map[string]any{"routeIds": req.RouteIDs}})
	helpers.RespondNoContent(w)
}

type deviceRouteRangeRequest struct {
	ApplicationID string `json:"applicationId"`
	NetworkID     string `json:"networkId"`
	Start         string `json:"start"`
	End           string `json:"end"`
}

func (s *Server) handleDeviceRouteRangeCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceRouteRangeRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	addrs, err := domain.ExpandHexRange(req.Start, req.End)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	app, err := s.Repos.Application.Get(r.Context(), storage.ApplicationCond{ApplicationID: req.ApplicationID})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapApplicationLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateUnit(r.Context(), claims, app.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not manage routes for this application"))
		return
	}
	routes := make([]*domain.DeviceRoute, 0, len(addrs))
	for _, addr := range addrs {
		d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{NetworkID: req.NetworkID, NetworkAddr: addr})
		if err != nil {
			continue
		}
		if d.UnitID != "" && d.UnitID != app.UnitID {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeUnitNotMatch, "device and application belong to different units"))
			return
		}
		routes = append(routes, newDeviceRoute(app, d))
	}
	if len(routes) == 0 {
		helpers.RespondData(w, http.StatusCreated, routes, false)
		return
	}
	if err := s.Repos.DeviceRoute.AddBulk(r.Context(), routes); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeRouteExist, "one or more routes already exist"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionDeviceRouteAdd, Target: app.ApplicationID, Metadata: map[string]any{"count": len(routes), "start": req.Start, "end": req.End}})
	helpers.RespondData(w, http.StatusCreated, routes, false)
}

func (s *Server) handleDeviceRouteRangeDelete(w http.ResponseWriter, r *http.Request) {
	var req deviceRouteRangeRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	addrs, err := domain.ExpandHexRange(req.Start, req.End)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	app, err := s.Repos.Application.Get(r.Context(), storage.ApplicationCond{ApplicationID: req.ApplicationID})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapApplicationLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateUnit(r.Context(), claims, app.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not manage routes for this application"))
		return
	}
	routeIDs := make([]string, 0, len(addrs))
	deviceIDs := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{NetworkID: req.NetworkID, NetworkAddr: addr})
		if err != nil {
			continue
		}
		rt, err := s.Repos.DeviceRoute.Get(r.Context(), storage.DeviceRouteCond{ApplicationID: app.ApplicationID, DeviceID: d.DeviceID})
		if err != nil {
			continue
		}
		routeIDs = append(routeIDs, rt.RouteID)
		deviceIDs = append(deviceIDs, d.DeviceID)
	}
	if len(routeIDs) == 0 {
		helpers.RespondNoContent(w)
		return
	}
	if err := s.Repos.DeviceRoute.DelBulk(r.Context(), routeIDs); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.publishDeviceRouteBulkDeleted(r, deviceIDs)
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionDeviceRouteDel, Target: app.ApplicationID, Metadata: map[string]any{"start": req.Start, "end": req.End, "count": len(routeIDs)}})
	helpers.RespondNoContent(w)
}

func (s *Server) handleDeviceRouteGet(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Repos.DeviceRoute.Get(r.Context(), storage.DeviceRouteCond{RouteID: urlParam(r, "id")})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDeviceRouteLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canReadUnit(r.Context(), claims, rt.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not belong to this unit"))
		return
	}
	helpers.RespondData(w, http.StatusOK, rt, false)
}

func (s *Server) handleDeviceRouteList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), deviceRouteSortFields)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.DeviceRouteCond{
		ApplicationID: r.URL.Query().Get("applicationId"),
		NetworkID:     r.URL.Query().Get("networkId"),
		DeviceID:      r.URL.Query().Get("deviceId"),
	}
	if !unrestricted {
		cond.UnitID = unitID
	}
	page, err := s.Repos.DeviceRoute.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleDeviceRouteCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	cond := storage.DeviceRouteCond{
		ApplicationID: r.URL.Query().Get("applicationId"),
		NetworkID:     r.URL.Query().Get("networkId"),
		DeviceID:      r.URL.Query().Get("deviceId"),
	}
	if !unrestricted {
		cond.UnitID = unitID
	}
	n, err := s.Repos.DeviceRoute.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

func (s *Server) handleDeviceRouteDelete(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rt, err := s.Repos.DeviceRoute.Get(r.Context(), storage.DeviceRouteCond{RouteID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDeviceRouteLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateUnit(r.Context(), claims, rt.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not delete this route"))
		return
	}
	if err := s.Repos.DeviceRoute.Del(r.Context(), storage.DeviceRouteCond{RouteID: id}); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDeviceRouteLookupErr(err))
		return
	}
	s.publishDeviceRouteBulkDeleted(r, []string{rt.DeviceID})
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionDeviceRouteDel, Target: id})
	helpers.RespondNoContent(w)
}

func (s *Server) mapDeviceRouteLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "route not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}
