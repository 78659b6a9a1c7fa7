package policy

import "fmt"

// Link is the typed Vehicle <-> Policy reference. Both sides are written in
// the same transaction and must agree.
type Link struct {
	VehicleID string
	PolicyID  string
}

// LinkOf builds the link a converted vehicle and its policy should share.
func LinkOf(v *Vehicle, p *Policy) Link {
	return Link{VehicleID: v.ID, PolicyID: p.ID}
}

// Verify checks the link symmetrically against both records:
//   - the vehicle points at the policy and is marked converted
//   - the policy points back at the vehicle
//   - a provisional policy carries the vehicle's serial as its number
func (l Link) Verify(v *Vehicle, p *Policy) error {
	switch {
	case v == nil || p == nil:
		return fmt.Errorf("%w: link %s<->%s is missing a side", ErrConflict, l.VehicleID, l.PolicyID)
	case v.ID != l.VehicleID || p.ID != l.PolicyID:
		return fmt.Errorf("%w: link %s<->%s does not match records %s/%s", ErrConflict, l.VehicleID, l.PolicyID, v.ID, p.ID)
	case v.PolicyRef != p.ID:
		return &ConflictError{Collection: CollectionVehicles, Key: v.ID, Reason: fmt.Sprintf("policy_ref %q does not point at policy %q", v.PolicyRef, p.ID)}
	case p.VehicleRef != v.ID:
		return &ConflictError{Collection: CollectionPolicies, Key: p.ID, Reason: fmt.Sprintf("vehicle_ref %q does not point at vehicle %q", p.VehicleRef, v.ID)}
	case !v.Status.IsConverted():
		return &ConflictError{Collection: CollectionVehicles, Key: v.ID, Reason: fmt.Sprintf("linked vehicle has status %s", v.Status)}
	case p.Kind.IsProvisional() && p.PolicyNumber != v.SerialNumber:
		return &ConflictError{Collection: CollectionPolicies, Key: p.ID, Reason: fmt.Sprintf("policy number %q differs from serial %q", p.PolicyNumber, v.SerialNumber)}
	}
	return nil
}
