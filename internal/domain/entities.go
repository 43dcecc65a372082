package domain

import "time"

// Info is the free-form mapping attached to units, applications, networks
// and devices. spec.md §3: "keys must be non-empty."
type Info map[string]any

// Valid reports whether every key in the map is non-empty.
func (i Info) Valid() bool {
	for k := range i {
		if k == "" {
			return false
		}
	}
	return true
}

// Unit is a tenant. spec.md §3.
type Unit struct {
	UnitID       string    `json:"unitId" bson:"_id"`
	Code         string    `json:"code" bson:"code"`
	OwnerUserID  string    `json:"ownerUserId" bson:"ownerUserId"`
	MemberUserIDs []string `json:"memberUserIds" bson:"memberUserIds"`
	CreatedAt    time.Time `json:"createdAt" bson:"createdAt"`
	ModifiedAt   time.Time `json:"modifiedAt" bson:"modifiedAt"`
	Name         string    `json:"name" bson:"name"`
	Info         Info      `json:"info" bson:"info"`
}

// HasMember reports whether userID owns or belongs to the unit.
func (u *Unit) HasMember(userID string) bool {
	if u.OwnerUserID == userID {
		return true
	}
	for _, id := range u.MemberUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HostScheme enumerates the queue transports a network/application
// endpoint may bind to. spec.md §3: "host_uri (scheme in {amqp, amqps,
// mqtt, mqtts})."
type HostScheme string

const (
	SchemeAMQP  HostScheme = "amqp"
	SchemeAMQPS HostScheme = "amqps"
	SchemeMQTT  HostScheme = "mqtt"
	SchemeMQTTS HostScheme = "mqtts"
)

// Application is a queue endpoint owned by a unit. spec.md §3.
type Application struct {
	ApplicationID string    `json:"applicationId" bson:"_id"`
	UnitID        string    `json:"unitId" bson:"unitId"`
	UnitCode      string    `json:"unitCode" bson:"unitCode"`
	Code          string    `json:"code" bson:"code"`
	HostURI       string    `json:"hostUri" bson:"hostUri"`
	Name          string    `json:"name" bson:"name"`
	Info          Info      `json:"info" bson:"info"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
	ModifiedAt    time.Time `json:"modifiedAt" bson:"modifiedAt"`
}

// Network is a queue endpoint owned by a unit, or public (nil UnitID) so
// any unit's devices may register on it. spec.md §3.
type Network struct {
	NetworkID  string    `json:"networkId" bson:"_id"`
	UnitID     *string   `json:"unitId,omitempty" bson:"unitId,omitempty"`
	UnitCode   string    `json:"unitCode" bson:"unitCode"`
	Code       string    `json:"code" bson:"code"`
	HostURI    string    `json:"hostUri" bson:"hostUri"`
	Name       string    `json:"name" bson:"name"`
	Info       Info      `json:"info" bson:"info"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt" bson:"modifiedAt"`
}

// IsPublic reports whether the network has no owning unit.
func (n *Network) IsPublic() bool {
	return n.UnitID == nil
}

// Device is a routable endpoint on a network. spec.md §3.
type Device struct {
	DeviceID    string    `json:"deviceId" bson:"_id"`
	UnitID      string    `json:"unitId" bson:"unitId"`
	UnitCode    string    `json:"unitCode" bson:"unitCode"`
	NetworkID   string    `json:"networkId" bson:"networkId"`
	NetworkCode string    `json:"networkCode" bson:"networkCode"`
	NetworkAddr string    `json:"networkAddr" bson:"networkAddr"`
	Profile     string    `json:"profile" bson:"profile"`
	Name        string    `json:"name" bson:"name"`
	Info        Info      `json:"info" bson:"info"`
	CreatedAt   time.Time `json:"createdAt" bson:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt" bson:"modifiedAt"`
}

// DeviceRoute binds one device to one application. spec.md §3.
type DeviceRoute struct {
	RouteID         string    `json:"routeId" bson:"_id"`
	UnitID          string    `json:"unitId" bson:"unitId"`
	UnitCode        string    `json:"unitCode" bson:"unitCode"`
	ApplicationID   string    `json:"applicationId" bson:"applicationId"`
	ApplicationCode string    `json:"applicationCode" bson:"applicationCode"`
	NetworkID       string    `json:"networkId" bson:"networkId"`
	NetworkCode     string    `json:"networkCode" bson:"networkCode"`
	NetworkAddr     string    `json:"networkAddr" bson:"networkAddr"`
	DeviceID        string    `json:"deviceId" bson:"deviceId"`
	Profile         string    `json:"profile" bson:"profile"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
	ModifiedAt      time.Time `json:"modifiedAt" bson:"modifiedAt"`
}

// NetworkRoute binds one network to one application, fanning out every
// device on that network. spec.md §3.
type NetworkRoute struct {
	RouteID         string    `json:"routeId" bson:"_id"`
	UnitID          string    `json:"unitId" bson:"unitId"`
	UnitCode        string    `json:"unitCode" bson:"unitCode"`
	ApplicationID   string    `json:"applicationId" bson:"applicationId"`
	ApplicationCode string    `json:"applicationCode" bson:"applicationCode"`
	NetworkID       string    `json:"networkId" bson:"networkId"`
	NetworkCode     string    `json:"networkCode" bson:"networkCode"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
	ModifiedAt      time.Time `json:"modifiedAt" bson:"modifiedAt"`
}

// DlDataBuffer is a transient correlation record linking a downlink to its
// eventual network delivery result. spec.md §3.
type DlDataBuffer struct {
	DataID          string    `json:"dataId" bson:"_id"`
	UnitID          string    `json:"unitId" bson:"unitId"`
	UnitCode        string    `json:"unitCode" bson:"unitCode"`
	ApplicationID   string    `json:"applicationId" bson:"applicationId"`
	ApplicationCode string    `json:"applicationCode" bson:"applicationCode"`
	NetworkID       string    `json:"networkId" bson:"networkId"`
	NetworkAddr     string    `json:"networkAddr" bson:"networkAddr"`
	DeviceID        string    `json:"deviceId" bson:"deviceId"`
	CreatedAt       time.Time `json:"createdAt" bson:"createdAt"`
	ExpiredAt       time.Time `json:"expiredAt" bson:"expiredAt"`
}

// User is an auth-service account. spec.md §3.
type User struct {
	UserID     string          `json:"userId" bson:"_id"`
	Account    string          `json:"account" bson:"account"`
	Password   string          `json:"-" bson:"password"`
	Salt       string          `json:"-" bson:"salt"`
	Roles      map[string]bool `json:"roles" bson:"roles"`
	Name       string          `json:"name" bson:"name"`
	CreatedAt  time.Time       `json:"createdAt" bson:"createdAt"`
	ModifiedAt time.Time       `json:"modifiedAt" bson:"modifiedAt"`
	VerifiedAt *time.Time      `json:"verifiedAt,omitempty" bson:"verifiedAt,omitempty"`
	ExpiredAt  *time.Time      `json:"expiredAt,omitempty" bson:"expiredAt,omitempty"`
	DisabledAt *time.Time      `json:"disabledAt,omitempty" bson:"disabledAt,omitempty"`
	// MFASecret holds the TOTP secret once step-up verification has been
	// activated for this user (supplemented feature, not in spec.md's C8
	// distillation; see DESIGN.md). Nil until ActivateMFA succeeds.
	MFASecret *string `json:"-" bson:"mfaSecret,omitempty"`
}

// HasRole reports whether the user carries the named role.
func (u *User) HasRole(role string) bool {
	return u.Roles != nil && u.Roles[role]
}

// Disabled reports whether the account has been administratively disabled.
func (u *User) Disabled() bool {
	return u.DisabledAt != nil
}

// Client is an OAuth2 client application. spec.md §3.
type Client struct {
	ClientID          string    `json:"clientId" bson:"_id"`
	RedirectURIs      []string  `json:"redirectUris" bson:"redirectUris"`
	Scopes            []string  `json:"scopes" bson:"scopes"`
	UserID            string    `json:"userId" bson:"userId"`
	Name              string    `json:"name" bson:"name"`
	ImageURL          string    `json:"imageUrl,omitempty" bson:"imageUrl,omitempty"`
	CredentialsSecret string    `json:"-" bson:"credentialsSecret"`
	CreatedAt         time.Time `json:"createdAt" bson:"createdAt"`
	ModifiedAt        time.Time `json:"modifiedAt" bson:"modifiedAt"`
}
