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

var deviceSortFields = map[string]string{
	"network":  "NetworkCode",
	"addr":     "NetworkAddr",
	"name":     "Name",
	"created":  "CreatedAt",
	"modified": "ModifiedAt",
}

type deviceRequest struct {
	NetworkID   string         `json:"networkId"`
	NetworkAddr string         `json:"networkAddr"`
	Profile     string         `json:"profile,omitempty"`
	Name        string         `json:"name"`
	Info        map[string]any `json:"info,omitempty"`
}

func (s *Server) newDeviceFromRequest(net *domain.Network, req deviceRequest) (*domain.Device, error) {
	addr := domain.NormalizeCode(req.NetworkAddr)
	if err := domain.ValidateCode(addr); err != nil {
		return nil, err
	}
	now := domain.NowMS()
	unitID := ""
	unitCode := ""
	if net.UnitID != nil {
		unitID = *net.UnitID
		unitCode = net.UnitCode
	}
	return &domain.Device{
		DeviceID:    domain.NewID(),
		UnitID:      unitID,
		UnitCode:    unitCode,
		NetworkID:   net.NetworkID,
		NetworkCode: net.Code,
		NetworkAddr: addr,
		Profile:     domain.NormalizeCode(req.Profile),
		Name:        req.Name,
		Info:        req.Info,
		CreatedAt:   now,
		ModifiedAt:  now,
	}, nil
}

// handleDeviceCreate implements `POST /device`. Devices belong to the
// network's unit (or to no unit, for a public network). An address that is
// already registered on the network is rejected with
// CodeNetworkAddrExist; only the bulk endpoints skip existing addresses.
func (s *Server) handleDeviceCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	net, wireErr := s.authorizeDeviceMutation(r, req.NetworkID)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	d, err := s.newDeviceFromRequest(net, req)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if err := s.Repos.Device.Add(r.Context(), d); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNetworkAddrExist, "network address already registered on this network"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claimsFrom(r).UserID, Action: audit.ActionDeviceCreate, Target: d.DeviceID})
	helpers.RespondData(w, http.StatusCreated, d, false)
}

// authorizeDeviceMutation resolves the network and checks the caller may
// create/modify devices on it, mirroring canMutateNetwork without
// requiring a *domain.Network the caller already has in hand.
func (s *Server) authorizeDeviceMutation(r *http.Request, networkID string) (*domain.Network, *apperrors.Error) {
	net, err := s.Repos.Network.Get(r.Context(), storage.NetworkCond{NetworkID: networkID})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.New(apperrors.CodeNetworkNotExist, "network not found")
		}
		return nil, apperrors.Wrap(apperrors.CodeDB, err)
	}
	claims := claimsFrom(r)
	ok, err := s.canMutateNetwork(r.Context(), claims, net)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDB, err)
	}
	if !ok {
		return nil, apperrors.New(apperrors.CodePerm, "caller may not manage devices on this network")
	}
	return net, nil
}

type deviceBulkRequest struct {
	NetworkID string          `json:"networkId"`
	Devices   []deviceRequest `json:"devices"`
}

// handleDeviceBulkCreate implements `POST /device/bulk`, capped at
// domain.BulkMax entries (spec.md §4.6).
func (s *Server) handleDeviceBulkCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceBulkRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if len(req.Devices) == 0 || len(req.Devices) > domain.BulkMax {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, "devices must contain between 1 and BULK_MAX entries"))
		return
	}
	net, wireErr := s.authorizeDeviceMutation(r, req.NetworkID)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	devices := make([]*domain.Device, 0, len(req.Devices))
	for _, dr := range req.Devices {
		d, err := s.newDeviceFromRequest(net, dr)
		if err != nil {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
			return
		}
		devices = append(devices, d)
	}
	if err := s.Repos.Device.AddBulk(r.Context(), devices); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNetworkAddrExist, "one or more network addresses already registered"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claimsFrom(r).UserID, Action: audit.ActionDeviceCreate, Target: net.NetworkID, Metadata: map[string]any{"count": len(devices)}})
	helpers.RespondData(w, http.StatusCreated, devices, false)
}

type deviceBulkDeleteRequest struct {
	DeviceIDs []string `json:"deviceIds"`
}

func (s *Server) handleDeviceBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req deviceBulkDeleteRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if len(req.DeviceIDs) == 0 || len(req.DeviceIDs) > domain.BulkMax {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, "deviceIds must contain between 1 and BULK_MAX entries"))
		return
	}
	claims := claimsFrom(r)
	for _, id := range req.DeviceIDs {
		d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{DeviceID: id})
		if err != nil {
			continue
		}
		if ok, _ := s.canMutateUnit(r.Context(), claims, d.UnitID); !ok {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not delete one or more of these devices"))
			return
		}
	}
	if err := s.Repos.Device.DelBulk(r.Context(), req.DeviceIDs); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.publishDeviceRouteBulkDeleted(r, req.DeviceIDs)
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionDeviceDelete, Metadata: map[string]any{"deviceIds": req.DeviceIDs}})
	helpers.RespondNoContent(w)
}

type deviceRangeRequest struct {
	NetworkID string         `json:"networkId"`
	Start     string         `json:"start"`
	End       string         `json:"end"`
	Profile   string         `json:"profile,omitempty"`
	Name      string         `json:"name,omitempty"`
	Info      map[string]any `json:"info,omitempty"`
}

// handleDeviceRangeCreate implements `POST /device/range`, expanding a hex
// address range into individual devices (spec.md §4.6).
func (s *Server) handleDeviceRangeCreate(w http.ResponseWriter, r *http.Request) {
	var req deviceRangeRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	addrs, err := domain.ExpandHexRange(req.Start, req.End)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	net, wireErr := s.authorizeDeviceMutation(r, req.NetworkID)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	devices := make([]*domain.Device, 0, len(addrs))
	for _, addr := range addrs {
		d, err := s.newDeviceFromRequest(net, deviceRequest{NetworkAddr: addr, Profile: req.Profile, Name: req.Name, Info: req.Info})
		if err != nil {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
			return
		}
		devices = append(devices, d)
	}
	if err := s.Repos.Device.AddBulk(r.Context(), devices); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeNetworkAddrExist, "one or more network addresses already registered"))
			return
		}
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claimsFrom(r).UserID, Action: audit.ActionDeviceCreate, Target: net.NetworkID, Metadata: map[string]any{"count": len(devices), "start": req.Start, "end": req.End}})
	helpers.RespondData(w, http.StatusCreated, devices, false)
}

type deviceRangeDeleteRequest struct {
	NetworkID string `json:"networkId"`
	Start     string `json:"start"`
	End       string `json:"end"`
}

func (s *Server) handleDeviceRangeDelete(w http.ResponseWriter, r *http.Request) {
	var req deviceRangeDeleteRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	addrs, err := domain.ExpandHexRange(req.Start, req.End)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	if _, wireErr := s.authorizeDeviceMutation(r, req.NetworkID); wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	ids := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{NetworkID: req.NetworkID, NetworkAddr: addr})
		if err != nil {
			continue
		}
		ids = append(ids, d.DeviceID)
	}
	if len(ids) == 0 {
		helpers.RespondNoContent(w)
		return
	}
	if err := s.Repos.Device.DelBulk(r.Context(), ids); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	s.publishDeviceRouteBulkDeleted(r, ids)
	s.Audit.Log(r.Context(), audit.Entry{Actor: claimsFrom(r).UserID, Action: audit.ActionDeviceDelete, Target: req.NetworkID, Metadata: map[string]any{"start": req.Start, "end": req.End, "count": len(ids)}})
	helpers.RespondNoContent(w)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{DeviceID: urlParam(r, "id")})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDeviceLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canReadUnit(r.Context(), claims, d.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not belong to this unit"))
		return
	}
	helpers.RespondData(w, http.StatusOK, d, false)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), deviceSortFields)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.DeviceCond{NetworkID: r.URL.Query().Get("networkId"), Contains: r.URL.Query().Get("contains")}
	if !unrestricted {
		cond.UnitID = unitID
	}
	page, err := s.Repos.Device.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleDeviceCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	cond := storage.DeviceCond{NetworkID: r.URL.Query().Get("networkId"), Contains: r.URL.Query().Get("contains")}
	if !unrestricted {
		cond.UnitID = unitID
	}
	n, err := s.Repos.Device.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

type deviceUpdateRequest struct {
	Profile *string        `json:"profile,omitempty"`
	Name    *string        `json:"name,omitempty"`
	Info    map[string]any `json:"info,omitempty"`
}

// handleDeviceUpdate implements `PATCH /device/{id}`. A profile change
// propagates to every device-route referencing the device (spec.md §3).
func (s *Server) handleDeviceUpdate(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{DeviceID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDeviceLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateUnit(r.Context(), claims, d.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not modify this device"))
		return
	}
	var req deviceUpdateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	var profile *string
	if req.Profile != nil {
		normalized := domain.NormalizeCode(*req.Profile)
		profile = &normalized
	}
	fields := storage.DeviceUpdate{Profile: profile, Name: req.Name, Info: req.Info}
	if err := s.Repos.Device.Update(r.Context(), storage.DeviceCond{DeviceID: id}, fields); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDeviceLookupErr(err))
		return
	}
	if profile != nil {
		if err := s.Repos.DeviceRoute.RefreshDeviceProfile(r.Context(), id, *profile); err != nil {
			s.Logger.Error("refresh device-route profile", "error", err, "device_id", id)
		}
	}
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionDeviceUpdate, Target: id})
	helpers.RespondNoContent(w)
}

func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	d, err := s.Repos.Device.Get(r.Context(), storage.DeviceCond{DeviceID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDeviceLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canMutateUnit(r.Context(), claims, d.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller may not delete this device"))
		return
	}
	if err := s.Repos.Device.Del(r.Context(), storage.DeviceCond{DeviceID: id}); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDeviceLookupErr(err))
		return
	}
	s.publishDeviceRouteBulkDeleted(r, []string{id})
	s.Audit.Log(r.Context(), audit.Entry{Actor: claims.UserID, Action: audit.ActionDeviceDelete, Target: id})
	helpers.RespondNoContent(w)
}

func (s *Server) mapDeviceLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeDeviceNotExist, "device not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}
