package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/audit"
	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/controlbus"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/queue"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

var networkSortFields = map[string]string{"code": "Code", "created": "CreatedAt", "modified": "ModifiedAt"}

type networkRequest struct {
	UnitID  *string        `json:"unitId,omitempty"`
	Code    string         `json:"code"`
	HostURI string         `json:"hostUri"`
	Name    string         `json:"name"`
	Info    map[string]any `json:"info,omitempty"`
}

// handleNetworkCreate implements `POST /network`. A nil unitId creates a
// public network any unit's devices may register on (spec.md §3); only
// admin may do so, since a public network has no owner to hold
// accountable for its manager.
func (s *Server) handleNetworkCreate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req networkRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	code := domain.NormalizeCode(req.Code)
	if err := domain.ValidateCode(code); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	now := domain.NowMS()
	net := &domain.Network{
		NetworkID:  domain.NewID(),
		Code:       code,
		HostURI:    req.HostURI,
		Name:       req.Name,
		Info:       req.Info,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if req.UnitID == nil {
		if !claims.HasRole("admin") {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "only admin may create a public network"))
			return
		}
	} else {
		ok, err := s.canMutateUnit(r.Context(), claims, *req.UnitID)
		if err != nil {
			helpers.RespondErr(w, s.Logger, s.mapUnitLookupErr(err))
			return
		}
		if !ok {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not create networks in this unit"))
			return
		}
		unit, err := s.Repos.Unit.Get(r.Context(), storage.UnitCond{UnitID: *req.UnitID})
		if err != nil {
			helpers.RespondErr(w, s.Logger, s.mapUnitLookupErr(err))
			return
		}
		net.UnitID = &unit.UnitID
		net.UnitCode = unit.Code
	}
	if err := s.Repos.Network.Add(r.Context(), net); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, "network code already exists"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.publishAddNetworkManager(r, net)
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionNetCreate, Target: net.NetworkID})
	helpers.RespondData(w, http.StatusCreated, net, false)
}

func (s *Server) publishAddNetworkManager(r *http.Request, net *domain.Network) {
	if s.Bus == nil {
		return
	}
	opts := controlbus.MgrOptions{
		ID:           net.NetworkID,
		Name:         net.Code,
		Prefetch:     s.Cfg.MQPrefetch,
		Persistent:   s.Cfg.MQPersistent,
		SharedPrefix: s.Cfg.MQSharedPrefix,
	}
	if net.UnitID != nil {
		opts.UnitID = *net.UnitID
		opts.UnitCode = net.UnitCode
	}
	rec, err := controlbus.NewAddManager(net.HostURI, opts)
	if err != nil {
		s.Logger.Error("build add-manager record", "error", err)
		return
	}
	if err := s.Bus.Publish(r.Context(), controlbus.KindNetwork, rec); err != nil {
		s.Logger.Error("publish add-manager", "error", err, "network_id", net.NetworkID)
	}
}

func (s *Server) handleNetworkGet(w http.ResponseWriter, r *http.Request) {
	net, err := s.Repos.Network.Get(r.Context(), storage.NetworkCond{NetworkID: urlParam(r, "id")})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapNetworkLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if net.UnitID != nil {
		if ok, err := s.canReadUnit(r.Context(), claims, *net.UnitID); err != nil {
			helpers.RespondErr(w, s.Logger, s.mapUnitLookupErr(err))
			return
		} else if !ok {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not belong to this unit"))
			return
		}
	}
	helpers.RespondData(w, http.StatusOK, net, false)
}

func (s *Server) handleNetworkList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), networkSortFields)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.NetworkCond{Contains: r.URL.Query().Get("contains")}
	if r.URL.Query().Get("public") == "true" {
		cond.PublicOnly = true
	} else if !unrestricted {
		cond.UnitID = unitID
	}
	page, err := s.Repos.Network.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleNetworkCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	cond := storage.NetworkCond{Contains: r.URL.Query().Get("contains")}
	if r.URL.Query().Get("public") == "true" {
		cond.PublicOnly = true
	} else if !unrestricted {
		cond.UnitID = unitID
	}
	n, err := s.Repos.Network.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

type networkUpdateRequest struct {
	HostURI *string        `json:"hostUri,omitempty"`
	Name    *string        `json:"name,omitempty"`
	Info    map[string]any `json:"info,omitempty"`
}

func (s *Server) handleNetworkUpdate(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	net, err := s.Repos.Network.Get(r.Context(), storage.NetworkCond{NetworkID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapNetworkLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateNetwork(r.Context(), claims, net); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not modify this network"))
		return
	}
	var req networkUpdateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	fields := storage.NetworkUpdate{HostURI: req.HostURI, Name: req.Name, Info: req.Info}
	if err := s.Repos.Network.Update(r.Context(), storage.NetworkCond{NetworkID: id}, fields); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapNetworkLookupErr(err))
		return
	}
	if req.HostURI != nil && *req.HostURI != net.HostURI {
		s.republishNetworkManager(r, net, *req.HostURI)
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionNetUpdate, Target: id})
	helpers.RespondNoContent(w)
}

func (s *Server) republishNetworkManager(r *http.Request, net *domain.Network, newHostURI string) {
	if s.Bus == nil {
		return
	}
	managerKey := queue.ManagerKey(net.UnitCode, net.Code)
	if rec, err := controlbus.NewDelManager(managerKey); err == nil {
		if err := s.Bus.Publish(r.Context(), controlbus.KindNetwork, rec); err != nil {
			s.Logger.Error("publish del-manager", "error", err, "manager_key", managerKey)
		}
	}
	net.HostURI = newHostURI
	s.publishAddNetworkManager(r, net)
}

// handleNetworkDelete implements `DELETE /network/{id}`, cascading
// network-routes, device-routes, dldata-buffers, and the devices
// registered on the network before tearing down its manager (spec.md
// §4.7's cascade).
func (s *Server) handleNetworkDelete(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	net, err := s.Repos.Network.Get(r.Context(), storage.NetworkCond{NetworkID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapNetworkLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateNetwork(r.Context(), claims, net); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not delete this network"))
		return
	}
	if err := s.cascadeDeleteNetwork(r, net); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionNetDelete, Target: id})
	helpers.RespondNoContent(w)
}

// canMutateNetwork applies canMutateUnit to a network's owning unit, or
// requires admin for a public (nil UnitID) network.
func (s *Server) canMutateNetwork(ctx context.Context, claims *auth.Claims, net *domain.Network) (bool, error) {
	if net.UnitID == nil {
		return claims.HasRole("admin"), nil
	}
	return s.canMutateUnit(ctx, claims, *net.UnitID)
}

func (s *Server) cascadeDeleteNetwork(r *http.Request, net *domain.Network) error {
	ctx := r.Context()

	devRoutes, err := s.Repos.DeviceRoute.List(ctx, storage.DeviceRouteCond{NetworkID: net.NetworkID}, storage.ListOptions{Limit: storage.NoLimit})
	if err != nil {
		return err
	}
	if len(devRoutes.Items) > 0 {
		ids := make([]string, len(devRoutes.Items))
		deviceIDs := make([]string, len(devRoutes.Items))
		for i, rt := range devRoutes.Items {
			ids[i] = rt.RouteID
			deviceIDs[i] = rt.DeviceID
		}
		if err := s.Repos.DeviceRoute.DelBulk(ctx, ids); err != nil {
			return err
		}
		s.publishDeviceRouteBulkDeleted(r, deviceIDs)
	}

	netRoutes, err := s.Repos.NetworkRoute.List(ctx, storage.NetworkRouteCond{NetworkID: net.NetworkID}, storage.ListOptions{Limit: storage.NoLimit})
	if err != nil {
		return err
	}
	for _, nr := range netRoutes.Items {
		if err := s.Repos.NetworkRoute.Del(ctx, storage.NetworkRouteCond{RouteID: nr.RouteID}); err != nil {
			return err
		}
		if s.Bus != nil {
			if rec, err := controlbus.NewDelNetworkRoute(nr.NetworkID); err == nil {
				if err := s.Bus.Publish(ctx, controlbus.KindNetworkRoute, rec); err != nil {
					s.Logger.Error("publish del-network-route", "error", err)
				}
			}
		}
	}

	if err := s.Repos.DlDataBuffer.Del(ctx, storage.DlDataBufferCond{NetworkID: net.NetworkID}); err != nil {
		return err
	}

	devices, err := s.Repos.Device.List(ctx, storage.DeviceCond{NetworkID: net.NetworkID}, storage.ListOptions{Limit: storage.NoLimit})
	if err != nil {
		return err
	}
	if len(devices.Items) > 0 {
		ids := make([]string, len(devices.Items))
		for i, d := range devices.Items {
			ids[i] = d.DeviceID
		}
		if err := s.Repos.Device.DelBulk(ctx, ids); err != nil {
			return err
		}
	}

	if err := s.Repos.Network.Del(ctx, storage.NetworkCond{NetworkID: net.NetworkID}); err != nil {
		return err
	}

	if s.Bus != nil {
		payload := controlbus.EntityDeletedPayload{EntityID: net.NetworkID, Code: net.Code}
		if net.UnitID != nil {
			payload.UnitID = *net.UnitID
			payload.UnitCode = net.UnitCode
		}
		if rec, err := controlbus.NewDelNetwork(payload); err == nil {
			if err := s.Bus.Publish(ctx, controlbus.KindNetwork, rec); err != nil {
				s.Logger.Error("publish del-network", "error", err, "network_id", net.NetworkID)
			}
		}
		managerKey := queue.ManagerKey(net.UnitCode, net.Code)
		if rec, err := controlbus.NewDelManager(managerKey); err == nil {
			if err := s.Bus.Publish(ctx, controlbus.KindNetwork, rec); err != nil {
				s.Logger.Error("publish del-manager", "error", err, "manager_key", managerKey)
			}
		}
	}
	return nil
}

func (s *Server) mapNetworkLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNetworkNotExist, "network not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}
