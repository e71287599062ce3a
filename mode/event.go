package mode

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/NeowayLabs/kms"
)

// Event types delivered on the device handle.
const (
	EventVBlank       = 0x01
	EventFlipComplete = 0x02
)

type (
	sysEvent struct {
		typ    uint32
		length uint32
	}

	sysEventVBlank struct {
		base     sysEvent
		userData uint64
		sec      uint32
		usec     uint32
		sequence uint32
		crtcID   uint32
	}
)

// Event is one completion notification read from the device: a vblank
// or the out-of-band completion of an asynchronous page flip.
type Event struct {
	Type     uint32
	UserData uint64
	Sec      uint32
	Usec     uint32
	Sequence uint32
	CrtcID   uint32
}

// ReadPendingEvents performs one bounded read of the event stream and
// decodes every event in it. A negative timeout blocks until at least
// one event arrives, zero polls, and a positive timeout fails with
// kms.ErrTimedOut when nothing arrives in time.
func ReadPendingEvents(card Card, timeout time.Duration) ([]Event, error) {
	buf := make([]byte, 1024)
	n, err := card.ReadEvents(buf, timeout)
	if err != nil {
		return nil, err
	}

	var events []Event
	headerSize := int(unsafe.Sizeof(sysEvent{}))
	for off := 0; off+headerSize <= n; {
		base := (*sysEvent)(unsafe.Pointer(&buf[off]))
		if base.length < uint32(headerSize) || off+int(base.length) > n {
			return events, fmt.Errorf("truncated event stream: %w", kms.ErrIO)
		}
		switch base.typ {
		case EventVBlank, EventFlipComplete:
			if int(base.length) >= int(unsafe.Sizeof(sysEventVBlank{})) {
				vb := (*sysEventVBlank)(unsafe.Pointer(&buf[off]))
				events = append(events, Event{
					Type:     vb.base.typ,
					UserData: vb.userData,
					Sec:      vb.sec,
					Usec:     vb.usec,
					Sequence: vb.sequence,
					CrtcID:   vb.crtcID,
				})
			}
		default:
			// driver-private event, skip
		}
		off += int(base.length)
	}
	return events, nil
}

// WaitFlip blocks until the completion event of a previously queued
// page flip arrives, or the timeout expires (kms.ErrTimedOut). Other
// event types read along the way are discarded. Timing out or giving
// up only detaches this waiter; the flip itself is already queued with
// the device and is not retracted.
func WaitFlip(card Card, timeout time.Duration) (*Event, error) {
	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		// Always read at least once so a zero timeout still drains
		// events that are already queued.
		remaining := time.Duration(-1)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
		}
		events, err := ReadPendingEvents(card, remaining)
		if err != nil {
			if errors.Is(err, kms.ErrTimedOut) {
				return nil, fmt.Errorf("wait flip: %w", kms.ErrTimedOut)
			}
			return nil, err
		}
		for i := range events {
			if events[i].Type == EventFlipComplete {
				return &events[i], nil
			}
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, fmt.Errorf("wait flip: %w", kms.ErrTimedOut)
		}
	}
}
