package shipping

// Dimensions are the package measurements sent with an order, in cm.
type Dimensions struct {
	Length int
	Width  int
	Height int
}

// networkDimensions maps a delivery network to the package size its
// carrier expects. Networks are Boxtal network codes.
var networkDimensions = map[string]Dimensions{
	"MONR": {Length: 40, Width: 30, Height: 20}, // Mondial Relay
	"CHRP": {Length: 40, Width: 30, Height: 20}, // Chronopost relais
	"POFR": {Length: 35, Width: 25, Height: 15}, // Colissimo
	"UPSE": {Length: 45, Width: 35, Height: 25}, // UPS
	"SOGP": {Length: 40, Width: 30, Height: 20}, // Relais Colis
}

var defaultDimensions = Dimensions{Length: 35, Width: 25, Height: 15}

// DimensionsForNetwork returns the package dimensions for a delivery
// network, falling back to a standard parcel size for unknown networks.
func DimensionsForNetwork(network string) Dimensions {
	if d, ok := networkDimensions[network]; ok {
		return d
	}
	return defaultDimensions
}
