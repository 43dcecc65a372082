package api

import (
	"errors"
	"net/http"

	"github.com/nimbusgrid/iotbroker/internal/api/helpers"
	"github.com/nimbusgrid/iotbroker/internal/apperrors"
	"github.com/nimbusgrid/iotbroker/internal/auth"
	"github.com/nimbusgrid/iotbroker/internal/domain"
	"github.com/nimbusgrid/iotbroker/internal/storage"
)

var clientSortFields = map[string]string{"name": "Name", "created": "CreatedAt", "modified": "ModifiedAt"}

type clientCreateRequest struct {
	Name         string   `json:"name"`
	RedirectURIs []string `json:"redirectUris,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	UserID       string   `json:"userId,omitempty"`
}

// clientResponse carries the plaintext secret only on creation; every
// other response marshals domain.Client directly, whose CredentialsSecret
// field is tagged json:"-".
type clientResponse struct {
	*domain.Client
	Secret string `json:"secret"`
}

// handleClientCreate implements `POST /client`, registering an OAuth2
// client owned by the caller (or, for admin/manager, an explicit userId).
// The plaintext secret is returned exactly once.
func (s *Server) handleClientCreate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	var req clientCreateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	ownerID := claims.UserID
	if req.UserID != "" && req.UserID != claims.UserID {
		if !claims.HasRole("admin") && !claims.HasRole("manager") {
			helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "only admin or manager may create a client for another user"))
			return
		}
		ownerID = req.UserID
	}
	c, secret, err := s.Auth.RegisterClient(r.Context(), ownerID, req.Name, req.RedirectURIs, req.Scopes)
	if err != nil {
		helpers.RespondErr(w, s.Logger, err)
		return
	}
	helpers.RespondData(w, http.StatusCreated, clientResponse{Client: c, Secret: secret}, false)
}

// canAccessClient reports whether claims may read or mutate a client:
// admin/manager bypass, otherwise the caller must own it.
func (s *Server) canAccessClient(claims *auth.Claims, c *domain.Client) bool {
	return claims.HasRole("admin") || claims.HasRole("manager") || claims.UserID == c.UserID
}

func (s *Server) handleClientGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.Repos.Client.Get(r.Context(), storage.ClientCond{ClientID: urlParam(r, "id")})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapClientLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if !s.canAccessClient(claims, c) {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not own this client"))
		return
	}
	helpers.RespondData(w, http.StatusOK, c, false)
}

// handleClientList implements `GET /client/list`. admin/manager see every
// client; everyone else sees only clients they own.
func (s *Server) handleClientList(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	q := helpers.ParseListQuery(r)
	sort, err := helpers.ParseSort(r.URL.Query().Get("sort"), clientSortFields)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	cond := storage.ClientCond{Contains: r.URL.Query().Get("contains")}
	if !claims.HasRole("admin") && !claims.HasRole("manager") {
		cond.UserID = claims.UserID
	} else if userID := r.URL.Query().Get("userId"); userID != "" {
		cond.UserID = userID
	}
	page, err := s.Repos.Client.List(r.Context(), cond, q.ToListOptions(sort))
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, page.Items, q.Raw())
}

func (s *Server) handleClientCount(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	cond := storage.ClientCond{Contains: r.URL.Query().Get("contains")}
	if !claims.HasRole("admin") && !claims.HasRole("manager") {
		cond.UserID = claims.UserID
	} else if userID := r.URL.Query().Get("userId"); userID != "" {
		cond.UserID = userID
	}
	n, err := s.Repos.Client.Count(r.Context(), cond)
	if err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.Wrap(apperrors.CodeDB, err))
		return
	}
	helpers.RespondData(w, http.StatusOK, map[string]int64{"count": n}, false)
}

type clientUpdateRequest struct {
	Name         *string   `json:"name,omitempty"`
	ImageURL     *string   `json:"imageUrl,omitempty"`
	RedirectURIs *[]string `json:"redirectUris,omitempty"`
	Scopes       *[]string `json:"scopes,omitempty"`
}

func (s *Server) handleClientUpdate(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	c, err := s.Repos.Client.Get(r.Context(), storage.ClientCond{ClientID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapClientLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if !s.canAccessClient(claims, c) {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not own this client"))
		return
	}
	var req clientUpdateRequest
	if err := helpers.DecodeJSON(r, &req); err != nil {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodeParam, err.Error()))
		return
	}
	fields := storage.ClientUpdate{
		Name:         req.Name,
		ImageURL:     req.ImageURL,
		RedirectURIs: req.RedirectURIs,
		Scopes:       req.Scopes,
	}
	if err := s.Repos.Client.Update(r.Context(), storage.ClientCond{ClientID: id}, fields); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapClientLookupErr(err))
		return
	}
	helpers.RespondNoContent(w)
}

func (s *Server) handleClientDelete(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	c, err := s.Repos.Client.Get(r.Context(), storage.ClientCond{ClientID: id})
	if err != nil {
		helpers.RespondErr(w, s.Logger, s.mapClientLookupErr(err))
		return
	}
	claims := claimsFrom(r)
	if !s.canAccessClient(claims, c) {
		helpers.RespondErr(w, s.Logger, apperrors.New(apperrors.CodePerm, "caller does not own this client"))
		return
	}
	if err := s.Repos.Client.Del(r.Context(), storage.ClientCond{ClientID: id}); err != nil {
		helpers.RespondErr(w, s.Logger, s.mapClientLookupErr(err))
		return
	}
	helpers.RespondNoContent(w)
}

func (s *Server) mapClientLookupErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeNotFound, "client not found")
	}
	return apperrors.Wrap(apperrors.CodeDB, err)
}
