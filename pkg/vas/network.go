package vas

import (
	"fmt"
	"strings"
)

// Network is a mobile network operator.
type Network string

const (
	NetworkMTN     Network = "mtn"
	NetworkGlo     Network = "glo"
	NetworkAirtel  Network = "airtel"
	Network9Mobile Network = "9mobile"
)

var networkProviderIDs = map[Network]int{
	NetworkMTN:     1,
	NetworkGlo:     2,
	NetworkAirtel:  3,
	Network9Mobile: 4,
}

// Networks lists the supported networks in provider id order.
func Networks() []Network {
	return []Network{NetworkMTN, NetworkGlo, NetworkAirtel, Network9Mobile}
}

// ParseNetwork validates a network name.
func ParseNetwork(raw string) (Network, error) {
	network := Network(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := networkProviderIDs[network]; !ok {
		return "", fmt.Errorf("%w: unknown network %q", ErrInvalidTarget, raw)
	}
	return network, nil
}

// ProviderID returns the upstream provider identifier of the network.
func (network Network) ProviderID() int {
	return networkProviderIDs[network]
}

// String returns the network name.
func (network Network) String() string {
	return string(network)
}
