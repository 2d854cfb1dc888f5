package utils

import (
	"github.com/denisbrodbeck/machineid"
)

// HWID is a stable, app-scoped hardware identifier for this machine. It is
// an HMAC of the OS machine id, so the raw id never leaves the host.
var HWID = getHWID()

func getHWID() string {
	id, err := machineid.ProtectedID("driftsync")
	if err != nil {
		return "unknown"
	}
	return id
}
