package managedav

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/danshapiro/ringdown/pkg/models"
)

// deviceSyntheticPrefix marks CallerIDs synthesized from a managed-AV device
// id rather than a real telephony caller. "+999" is not an assigned ITU
// country calling code, so a synthesized id can never collide with a real
// AgentProfile.PhoneNumbers entry.
const deviceSyntheticPrefix = "+999"

// deviceCallerID derives a stable, E.164-shaped CallerID for deviceID so the
// Conversation Store's single caller-keyed map can serve both telephony and
// managed-AV callers without widening its key type. spec.md §4.6 says
// completions acquire "the conversation handle ... using the session's
// associated caller/device id"; since Store keys are validated E.164
// (models.NewCallerID), a device id -- an arbitrary client-chosen string --
// is mapped into that space rather than used directly.
func deviceCallerID(deviceID string) (models.CallerID, error) {
	sum := sha256.Sum256([]byte(deviceID))
	digits := binary.BigEndian.Uint64(sum[:8]) % 1_000_000_000_000
	return models.NewCallerID(fmt.Sprintf("%s%012d", deviceSyntheticPrefix, digits))
}
