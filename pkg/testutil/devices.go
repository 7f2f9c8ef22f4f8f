package testutil

import (
	"context"
	"sync"

	"github.com/lifelogd/lifelogd/pkg/device"
)

// DeviceSource is an in-memory device registry for tests. Transforms are
// generated lazily per device with the configured dimension; Dim 0 disables
// transforms entirely.
type DeviceSource struct {
	Dim       int
	Whitelist map[string][]device.WhitelistFace

	mu      sync.Mutex
	devices map[string]*device.Device
}

func NewDeviceSource(dim int) *DeviceSource {
	return &DeviceSource{
		Dim:       dim,
		Whitelist: make(map[string][]device.WhitelistFace),
		devices:   make(map[string]*device.Device),
	}
}

func (d *DeviceSource) Register(ctx context.Context, deviceID string) (*device.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok := d.devices[deviceID]; ok {
		return dev, nil
	}
	dev := &device.Device{ID: deviceID, Whitelist: d.Whitelist[deviceID]}
	if d.Dim > 0 {
		transform, err := device.NewHaarTransform(d.Dim)
		if err != nil {
			return nil, err
		}
		dev.Transform = transform
	}
	d.devices[deviceID] = dev
	return dev, nil
}
