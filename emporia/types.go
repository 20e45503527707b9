package emporia

// ChargerModel is the device model string Emporia uses for its EV chargers.
const ChargerModel = "VVDN01"

// connectedMessages are the vendor status messages that indicate a vehicle is
// plugged in and the charger will accept commands.
var connectedMessages = map[string]bool{
	"Connected to EV": true,
	"Charging":        true,
	"Please Wait":     true,
}

// IsConnectedMessage reports whether the vendor message string means a vehicle
// is connected in a commandable state.
func IsConnectedMessage(message string) bool {
	return connectedMessages[message]
}

// EVCharger is the vendor's charger control object. The whole object is sent
// back when submitting a command, so it is carried opaquely alongside every
// snapshot.
type EVCharger struct {
	DeviceGID       int    `json:"deviceGid"`
	LoadGID         int    `json:"loadGid"`
	ChargerOn       bool   `json:"chargerOn"`
	ChargingRate    int    `json:"chargingRate"`
	MaxChargingRate int    `json:"maxChargingRate"`
	Status          string `json:"status"`
	Message         string `json:"message"`
	FaultText       string `json:"faultText"`
	ProControlCode  string `json:"proControlCode"`
	BreakerPIN      string `json:"breakerPIN"`
}

// Charger is one charger's per-cycle snapshot.
type Charger struct {
	Name        string
	DeviceGID   int
	PowerW      float64 // instantaneous draw derived from 1-second usage
	CurrentA    int     // commanded charge rate
	On          bool
	Message     string
	FaultText   string
	MaxCurrentA int
	Handle      EVCharger // opaque handle for command submission
}

// Connected reports whether the charger's message indicates a usable state.
func (c Charger) Connected() bool {
	return IsConnectedMessage(c.Message)
}
