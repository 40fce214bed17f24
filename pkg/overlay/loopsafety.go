package overlay

import (
	"context"
	"fmt"
)

// EnsureLoopPrevention makes sure STP is running on a switch before tunnels
// land on it. A full mesh of n>2 members forms physical loops; without STP
// a single broadcast frame circulates forever. There is deliberately no
// disable path: STP is never turned off once a switch has joined a mesh,
// even after its last network is deleted.
func (m *Manager) EnsureLoopPrevention(ctx context.Context, switchID string) error {
	sw, err := m.inv.Switch(switchID)
	if err != nil {
		return err
	}
	if sw.STP {
		return nil
	}

	driver, err := m.inv.DriverFor(sw.HostID)
	if err != nil {
		return err
	}

	// The cached flag may be stale; ask the device before mutating.
	enabled, err := driver.STPEnabled(ctx, sw.Name)
	if err != nil {
		return fmt.Errorf("checking loop prevention on %s: %w", switchID, err)
	}
	if enabled {
		m.inv.RecordSTP(switchID)
		return nil
	}

	if err := driver.EnableSTP(ctx, sw.Name); err != nil {
		return fmt.Errorf("enabling loop prevention on %s: %w", switchID, err)
	}
	m.inv.RecordSTP(switchID)
	m.log.Infow("loop prevention enabled", "switch", switchID)
	return nil
}
