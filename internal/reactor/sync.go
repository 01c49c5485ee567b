package reactor

import (
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
)

const (
	// DefaultSyncPeriod is the sync frame cadence.
	DefaultSyncPeriod = 8 * time.Millisecond
	// DefaultSyncID is the MilCAN sync frame identifier.
	DefaultSyncID = 0x0200802A | can.CAN_EFF_FLAG
	syncCountMask = 0x3FF
)

// SyncTimer emits a sync frame every Period. A frame is due once now reaches
// the deadline minus 1% of the period; the next deadline counts from now.
type SyncTimer struct {
	Period time.Duration
	ID     uint32
	next   time.Time
	count  uint16
}

// NewSyncTimer returns a timer whose first frame is due one period after start.
func NewSyncTimer(period time.Duration, start time.Time) *SyncTimer {
	if period <= 0 {
		period = DefaultSyncPeriod
	}
	return &SyncTimer{Period: period, ID: DefaultSyncID, next: start.Add(period)}
}

// Check returns the next sync frame if one is due at now.
func (s *SyncTimer) Check(now time.Time) (can.Frame, bool) {
	if now.Before(s.next.Add(-s.Period / 100)) {
		return can.Frame{}, false
	}
	s.next = now.Add(s.Period)
	f := can.NewFrame(s.ID, byte(s.count&0xFF), byte((s.count>>8)&0x03))
	s.count = (s.count + 1) & syncCountMask
	return f, true
}

// Next returns the current deadline.
func (s *SyncTimer) Next() time.Time { return s.next }
