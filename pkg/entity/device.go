package entity

import "fmt"

// DeviceType classifies a client connected to the relay.
type DeviceType string

const (
	DeviceTypePylon  DeviceType = "pylon"
	DeviceTypeApp    DeviceType = "app"
	DeviceTypeViewer DeviceType = "viewer"
)

// Numeric device type codes used in the packed DeviceID.
const (
	deviceCodePylon  = 0
	deviceCodeApp    = 1
	deviceCodeViewer = 2
)

// DeviceID packs envId (2 bits) | deviceType (2 bits) | deviceIndex (4 bits)
// into one small integer. It is used only at the relay layer.
type DeviceID uint8

const (
	MaxEnvID       = 3
	MaxDeviceIndex = 15
)

// EncodeDevice packs a device identifier.
func EncodeDevice(envID int, deviceType DeviceType, index int) (DeviceID, error) {
	if envID < 0 || envID > MaxEnvID {
		return 0, fmt.Errorf("env id %d out of range [0..%d]", envID, MaxEnvID)
	}
	if index < 0 || index > MaxDeviceIndex {
		return 0, fmt.Errorf("device index %d out of range [0..%d]", index, MaxDeviceIndex)
	}
	code, err := deviceTypeCode(deviceType)
	if err != nil {
		return 0, err
	}
	return DeviceID(envID<<6 | code<<4 | index), nil
}

func deviceTypeCode(t DeviceType) (int, error) {
	switch t {
	case DeviceTypePylon:
		return deviceCodePylon, nil
	case DeviceTypeApp:
		return deviceCodeApp, nil
	case DeviceTypeViewer:
		return deviceCodeViewer, nil
	default:
		return 0, fmt.Errorf("unknown device type %q", t)
	}
}

// EnvID returns the environment field.
func (d DeviceID) EnvID() int { return int(d) >> 6 }

// Type returns the device type field.
func (d DeviceID) Type() DeviceType {
	switch (int(d) >> 4) & 0x3 {
	case deviceCodeApp:
		return DeviceTypeApp
	case deviceCodeViewer:
		return DeviceTypeViewer
	default:
		return DeviceTypePylon
	}
}

// Index returns the pool-allocated device index field.
func (d DeviceID) Index() int { return int(d) & MaxDeviceIndex }

// EnvIDForName maps an environment name to its packed envId.
func EnvIDForName(name string) (int, error) {
	switch name {
	case "release":
		return 0, nil
	case "stage":
		return 1, nil
	case "dev":
		return 2, nil
	case "test":
		return 3, nil
	default:
		return 0, fmt.Errorf("unknown environment %q", name)
	}
}
