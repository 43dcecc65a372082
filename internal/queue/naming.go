package queue

import "fmt"

// mgrKeyPart renders the "unit_or_" path segment spec.md §6.3 names: the
// literal unit code, or "_" for a public network / manager with no unit.
func mgrKeyPart(unitCode string) string {
	if unitCode == "" {
		return "_"
	}
	return unitCode
}

// ApplicationUlData names the application uplink channel (Broker->App).
func ApplicationUlData(unitCode, appCode string) string {
	return fmt.Sprintf("broker.application.%s.%s.uldata", mgrKeyPart(unitCode), appCode)
}

// ApplicationDlData names the application downlink channel (App->Broker).
func ApplicationDlData(unitCode, appCode string) string {
	return fmt.Sprintf("broker.application.%s.%s.dldata", mgrKeyPart(unitCode), appCode)
}

// ApplicationDlDataResp names the downlink-accepted response channel.
func ApplicationDlDataResp(unitCode, appCode string) string {
	return fmt.Sprintf("broker.application.%s.%s.dldata-resp", mgrKeyPart(unitCode), appCode)
}

// ApplicationDlDataResult names the downlink delivery-result channel.
func ApplicationDlDataResult(unitCode, appCode string) string {
	return fmt.Sprintf("broker.application.%s.%s.dldata-result", mgrKeyPart(unitCode), appCode)
}

// NetworkUlData names the network uplink channel (Network->Broker).
func NetworkUlData(unitCode, netCode string) string {
	return fmt.Sprintf("broker.network.%s.%s.uldata", mgrKeyPart(unitCode), netCode)
}

// NetworkDlData names the network downlink channel (Broker->Network).
func NetworkDlData(unitCode, netCode string) string {
	return fmt.Sprintf("broker.network.%s.%s.dldata", mgrKeyPart(unitCode), netCode)
}

// NetworkDlDataResult names the network downlink-result channel
// (Network->Broker).
func NetworkDlDataResult(unitCode, netCode string) string {
	return fmt.Sprintf("broker.network.%s.%s.dldata-result", mgrKeyPart(unitCode), netCode)
}

// ControlChannel names one of the four control-bus queues (spec.md §4.5).
func ControlChannel(kind string) string {
	return fmt.Sprintf("broker.ctrl.%s", kind)
}

// ManagerKey builds the registry key spec.md §4.4 defines:
// manager_key = unit_code + "." + code, with unit_code empty for public
// networks.
func ManagerKey(unitCode, code string) string {
	return unitCode + "." + code
}

// Telemetry channel names for the optional mirror streams spec.md §4.6
// names alongside the uplink/downlink-result paths: "network-uldata",
// "application-uldata", "network-dldata-result", "application-dldata-result".
const (
	TelemetryNetworkUlData           = "network-uldata"
	TelemetryApplicationUlData       = "application-uldata"
	TelemetryNetworkDlDataResult     = "network-dldata-result"
	TelemetryApplicationDlDataResult = "application-dldata-result"
)

// TelemetryChannel names a broadcast mirror-stream channel.
func TelemetryChannel(stream string) string {
	return fmt.Sprintf("broker.telemetry.%s", stream)
}
