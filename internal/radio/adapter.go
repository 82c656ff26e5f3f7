package radio

import (
	"context"
	"time"

	"aquatrack/internal/model"
)

// Advertisement is one discovery result seen during a scan.
type Advertisement struct {
	Device model.Device
	RSSI   int
	SeenAt time.Time
}

// NotifyHandler receives raw characteristic notification payloads.
type NotifyHandler func(payload []byte)

// Connection is a live link to one bottle sensor.
type Connection interface {
	// Subscribe starts notification delivery for a characteristic. The
	// handler runs on the link's delivery goroutine and must not block.
	Subscribe(serviceID, charID string, handler NotifyHandler) error
	// Write sends bytes to a characteristic.
	Write(serviceID, charID string, payload []byte) error
	Close() error
}

// Adapter abstracts the platform radio stack. The session manager is its only
// caller.
type Adapter interface {
	// Scan streams advertisements matching the name filter until ctx is
	// cancelled. The returned channel closes when the scan stops.
	Scan(ctx context.Context, nameFilter string) (<-chan Advertisement, error)
	// Connect establishes a link to the device, bounded by timeout.
	Connect(ctx context.Context, deviceID string, timeout time.Duration) (Connection, error)
	// IsConnected reports link liveness for the device.
	IsConnected(deviceID string) bool
}
