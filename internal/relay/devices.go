package relay

import (
	"fmt"

	"github.com/pylonmesh/pylonmesh/internal/common/config"
	"github.com/pylonmesh/pylonmesh/pkg/entity"
)

// BuildDeviceTable converts the configured device rows into the static
// DEVICES table consulted during pylon authentication.
func BuildDeviceTable(entries []config.DeviceEntry) (DeviceTable, error) {
	table := make(DeviceTable, len(entries))
	for _, e := range entries {
		if e.DeviceID < 0 || e.DeviceID > 255 {
			return nil, fmt.Errorf("device id %d out of range", e.DeviceID)
		}
		id := entity.DeviceID(e.DeviceID)
		if _, dup := table[id]; dup {
			return nil, fmt.Errorf("duplicate device id %d", e.DeviceID)
		}
		table[id] = DeviceEntry{
			DeviceID:   id,
			Name:       e.Name,
			Icon:       e.Icon,
			Role:       e.Role,
			AllowedIPs: e.AllowedIPs,
		}
	}
	return table, nil
}
