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

var networkRouteSortFields = map[string]string{"created": "CreatedAt", "modified": "ModifiedAt"}

type networkRouteRequest struct {
	ApplicationID string `json:"applicationId"`
	NetworkID     string `json:"networkId"`
}

// handleNetworkRouteCreate implements `POST /network-route`: fans out
// every device on a network to one application, unlike device-route's
// single binding (spec.md §3). The network must be public or share the
// application's unit.
func (s *Server) handleNetworkRouteCreate(w http.ResponseWriter, r *http.Request) {
	var req networkRouteRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	app, err := s.Repos.Application.Get(r.Context(), storage.ApplicationCond{ApplicationID: req.ApplicationID})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapApplicationLookupErr(err))
		return
	}
	net, err := s.Repos.Network.Get(r.Context(), storage.NetworkCond{NetworkID: req.NetworkID})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapNetworkLookupErr(err))
		return
	}
	if net.UnitID != nil && *net.UnitID != app.UnitID {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeUnitNotMatch, "network and application belong to different units"))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateUnit(r.Context(), claims, app.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not manage routes for this application"))
		return
	}
	now := domain.NowMS()
	route := &domain.NetworkRoute{
		RouteID:         domain.NewID(),
		UnitID:          app.UnitID,
		UnitCode:        app.UnitCode,
		ApplicationID:   app.ApplicationID,
		ApplicationCode: app.Code,
		NetworkID:       net.NetworkID,
		NetworkCode:     net.Code,
		CreatedAt:       now,
		ModifiedAt:      now,
	}
	if err := s.Repos.NetworkRoute.Add(r.Context(), route); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeRouteExist, "route already exists"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionNetRouteAdd, Target: route.RouteID})
	helpers.RespondData(w, http.StatusCreated, route, false)
}

func (s *Server) handleNetworkRouteGet(w http.ResponseWriter, r *http.Request) {
	rt, err := s.Repos.NetworkRoute.Get(r.Context(), storage.NetworkRouteCond{RouteID: urlParam(r, "id")})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapNetworkRouteLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canReadUnit(r.Context(), claims, rt.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not belong to this unit"))
		return
	}
	helpers.RespondData(w, http.StatusOK, rt, false)
}

func (s *Server) handleNetworkRouteList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), networkRouteSortFields)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.NetworkRouteCond{
		ApplicationID: r.URL.Query().Get("applicationId"),
		NetworkID:     r.URL.Query().Get("networkId"),
	}
	if !unrestricted {
		cond.UnitID = unitID
	}
	page, err := s.Repos.NetworkRoute.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleNetworkRouteCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	cond := storage.NetworkRouteCond{
		ApplicationID: r.URL.Query().Get("applicationId"),
		NetworkID:     r.URL.Query().Get("networkId"),
	}
	if !unrestricted {
		cond.UnitID = unitID
	}
	n, err := s.Repos.NetworkRoute.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

func (s *Server) handleNetworkRouteDelete(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	rt, err := s.Repos.NetworkRoute.Get(r.Context(), storage.NetworkRouteCond{RouteID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapNetworkRouteLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateUnit(r.Context(), claims, rt.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not delete this route"))
		return
	}
	if err := s.Repos.NetworkRoute.Del(r.Context(), storage.NetworkRouteCond{RouteID: id}); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapNetworkRouteLookupErr(err))
		return
	}
	if s.Bus != nil {
		if rec, err := controlbus.NewDelNetworkRoute(rt.NetworkID); err == nil {
			if err := s.Bus.Publish(r.Context(), controlbus.KindNetworkRoute, rec); err != nil {
				s.Logger.Error("publish del-network-route", "error", err, "route_id", rt.RouteID)
			}
		}
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionNetRouteDel, Target: id})
	helpers.RespondNoContent(w)
}

func (s *Server) mapNetworkRouteLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "route not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}
