package api

import (
	"errors"
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

var dlDataBufferSortFields = map[string]string{"created": "CreatedAt", "expired": "ExpiredAt"}

// dldata-buffer is read-only (spec.md §6.1): entries are allocated by the
// downlink routing path and removed either by a matching downlink-result
// or by the janitor worker's expiry sweep.
func (s *Server) handleDlDataBufferGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.Repos.DlDataBuffer.Get(r.Context(), storage.DlDataBufferCond{DataID: urlParam(r, "id")})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapDlDataBufferLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if ok, err := s.canReadUnit(r.Context(), claims, b.UnitID); err != nil || !ok {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not belong to this unit"))
		return
	}
	helpers.RespondData(w, http.StatusOK, b, false)
}

func (s *Server) handleDlDataBufferList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), dlDataBufferSortFields)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.DlDataBufferCond{
		ApplicationID: r.URL.Query().Get("applicationId"),
		NetworkID:     r.URL.Query().Get("networkId"),
		DeviceID:      r.URL.Query().Get("deviceId"),
	}
	if !unrestricted {
		cond.UnitID = unitID
	}
	page, err := s.Repos.DlDataBuffer.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleDlDataBufferCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	unitID, unrestricted, wireErr := s.resolveListScope(r, claims)
	if wireErr != nil {
		helpers.RespondErr(w, s.Logger, wireErr)
		return
	}
	cond := storage.DlDataBufferCond{
		ApplicationID: r.URL.Query().Get("applicationId"),
		NetworkID:     r.URL.Query().Get("networkId"),
		DeviceID:      r.URL.Query().Get("deviceId"),
	}
	if !unrestricted {
		cond.UnitID = unitID
	}
	n, err := s.Repos.DlDataBuffer.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

func (s *Server) mapDlDataBufferLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "buffer entry not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}
