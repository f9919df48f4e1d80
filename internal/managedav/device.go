package managedav

// DeviceDecision is the outcome of POST /v1/mobile/devices/register
// (spec.md §6.3).
type DeviceDecision string

const (
	DeviceApproved DeviceDecision = "APPROVED"
	DevicePending  DeviceDecision = "PENDING"
	DeviceDenied   DeviceDecision = "DENIED"
)

// DevicePolicy decides how a newly-registering device is treated, grounded
// on the teacher's gateway.approval_policy allowlist/denylist/default-decision
// shape, generalized from tool names to device ids.
type DevicePolicy struct {
	Allowlist []string // exact device ids always approved
	Denylist  []string // exact device ids always denied
	Default   DeviceDecision
}

// Decide returns the decision for deviceID and, for a non-approved outcome,
// a human-readable reason.
func (p DevicePolicy) Decide(deviceID string) (DeviceDecision, string) {
	for _, id := range p.Denylist {
		if id == deviceID {
			return DeviceDenied, "device is denylisted"
		}
	}
	for _, id := range p.Allowlist {
		if id == deviceID {
			return DeviceApproved, ""
		}
	}
	if p.Default == "" {
		return DevicePending, "awaiting manual approval"
	}
	if p.Default != DeviceApproved {
		return p.Default, "device is not on the allowlist"
	}
	return p.Default, ""
}
