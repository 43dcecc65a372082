package controlbus

import "encoding/json"

// Operation discriminates a control-bus record (spec.md §4.5).
type Operation string

const (
	OpAddManager    Operation = "add-manager"
	OpDelManager    Operation = "del-manager"
	OpDelApplication Operation = "del-application"
	OpDelNetwork    Operation = "del-network"
	OpDelDevice     Operation = "del-device"
	OpDelDeviceRoute Operation = "del-device-route"
	OpDelNetworkRoute Operation = "del-network-route"
)

// Kind names which of the four control channels a record travels on
// (spec.md §4.5: "broker.ctrl.{application|network|device-route|
// network-route}").
type Kind string

const (
	KindApplication  Kind = "application"
	KindNetwork      Kind = "network"
	KindDeviceRoute  Kind = "device-route"
	KindNetworkRoute Kind = "network-route"
)

// Record is the wire envelope every control message carries: an
// operation discriminator plus an opaque payload decoded according to
// that operation.
type Record struct {
	Operation Operation       `json:"operation"`
	New       json.RawMessage `json:"new"`
}

// MgrOptions mirrors spec.md §6.3's add-manager payload shape.
type MgrOptions struct {
	UnitID       string `json:"unitId"`
	UnitCode     string `json:"unitCode"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	Prefetch     int    `json:"prefetch,omitempty"`
	Persistent   bool   `json:"persistent,omitempty"`
	SharedPrefix string `json:"sharedPrefix,omitempty"`
}

// AddManagerPayload is the `new` shape of an add-manager record.
type AddManagerPayload struct {
	HostURI    string     `json:"hostUri"`
	MgrOptions MgrOptions `json:"mgrOptions"`
}

// NewAddManager builds an add-manager Record.
func NewAddManager(hostURI string, opts MgrOptions) (Record, error) {
	payload, err := json.Marshal(AddManagerPayload{HostURI: hostURI, MgrOptions: opts})
	if err != nil {
		return Record{}, err
	}
	return Record{Operation: OpAddManager, New: payload}, nil
}

// NewDelManager builds a del-manager record whose `new` is the bare
// manager_key string.
func NewDelManager(managerKey string) (Record, error) {
	payload, err := json.Marshal(managerKey)
	if err != nil {
		return Record{}, err
	}
	return Record{Operation: OpDelManager, New: payload}, nil
}

// EntityDeletedPayload is the `new` shape shared by del-application and
// del-network records.
type EntityDeletedPayload struct {
	UnitID   string `json:"unitId,omitempty"`
	UnitCode string `json:"unitCode,omitempty"`
	EntityID string `json:"entityId"`
	Code     string `json:"code"`
}

func NewDelApplication(p EntityDeletedPayload) (Record, error) {
	return newEntityDeletedRecord(OpDelApplication, p)
}

func NewDelNetwork(p EntityDeletedPayload) (Record, error) {
	return newEntityDeletedRecord(OpDelNetwork, p)
}

func newEntityDeletedRecord(op Operation, p EntityDeletedPayload) (Record, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Record{}, err
	}
	return Record{Operation: op, New: payload}, nil
}

// DelDevicePayload is the `new` shape of a del-device record.
type DelDevicePayload struct {
	UnitID      string `json:"unitId"`
	UnitCode    string `json:"unitCode"`
	NetworkID   string `json:"networkId"`
	NetworkCode string `json:"networkCode"`
	NetworkAddr string `json:"networkAddr"`
	DeviceID    string `json:"deviceId"`
}

func NewDelDevice(p DelDevicePayload) (Record, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return Record{}, err
	}
	return Record{Operation: OpDelDevice, New: payload}, nil
}

// deviceRouteSingle and deviceRouteBulk are the two payload shapes that
// share the del-device-route operation tag (spec.md §6.3: "the source
// reuses the del-device-route tag for both — implementers should
// distinguish by the shape of new"). NewDeviceRouteDeleted and
// NewDeviceRouteBulkDeleted construct the two wire shapes; DeviceRouteIDs
// normalizes either shape back into a slice so a handler never has to
// type-switch on `new` itself.
type deviceRouteSingle struct {
	DeviceID string `json:"deviceId"`
}

type deviceRouteBulk struct {
	DeviceIDs []string `json:"deviceIds"`
}

func NewDeviceRouteDeleted(deviceID string) (Record, error) {
	payload, err := json.Marshal(deviceRouteSingle{DeviceID: deviceID})
	if err != nil {
		return Record{}, err
	}
	return Record{Operation: OpDelDeviceRoute, New: payload}, nil
}

func NewDeviceRouteBulkDeleted(deviceIDs []string) (Record, error) {
	payload, err := json.Marshal(deviceRouteBulk{DeviceIDs: deviceIDs})
	if err != nil {
		return Record{}, err
	}
	return Record{Operation: OpDelDeviceRoute, New: payload}, nil
}

// DeviceRouteIDs normalizes a del-device-route Record's payload — single
// or bulk — into the affected device IDs.
func DeviceRouteIDs(r Record) ([]string, error) {
	var bulk deviceRouteBulk
	if err := json.Unmarshal(r.New, &bulk); err == nil && len(bulk.DeviceIDs) > 0 {
		return bulk.DeviceIDs, nil
	}
	var single deviceRouteSingle
	if err := json.Unmarshal(r.New, &single); err != nil {
		return nil, err
	}
	if single.DeviceID == "" {
		return nil, nil
	}
	return []string{single.DeviceID}, nil
}

// DelNetworkRoutePayload is the `new` shape of a del-network-route record.
type DelNetworkRoutePayload struct {
	NetworkID string `json:"networkId"`
}

func NewDelNetworkRoute(networkID string) (Record, error) {
	payload, err := json.Marshal(DelNetworkRoutePayload{NetworkID: networkID})
	if err != nil {
		return Record{}, err
	}
	return Record{Operation: OpDelNetworkRoute, New: payload}, nil
}
