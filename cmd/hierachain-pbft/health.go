package main

import (
	"errors"
	"fmt"

	"github.com/VanDung-dev/HieraChain-PBFT/hierachain-engine/network"
)

var errNetworkStopped = errors.New("network service is not running")

// healthCheck fails when the consensus driver reports an error or the
// transport has stopped. Silent peers do not fail it.
func healthCheck(consensus func() error, net func() network.NetworkStatus) func() error {
	return func() error {
		if err := consensus(); err != nil {
			return err
		}
		status := net()
		if !status.IsRunning {
			return fmt.Errorf("%w (%s)", errNetworkStopped, status.Address)
		}
		return nil
	}
}
