package caps

// marshalRole appends the RFC 9234 role capability: code=9 len=1 role byte.
// Only called when the session is eBGP with a configured role and either
// IPv4/IPv6 is announced or no MP at all (§4.2).
func marshalRole(dst []byte, r Role) []byte {
	return append(dst, byte(CodeRole), 1, byte(r))
}

func parseRole(s *Set, value []byte) error {
	if len(value) != 1 {
		return errMalformed
	}
	s.RoleSet = true
	s.Role = Role(value[0])
	return nil
}

// NegotiateRole implements §4.2's role policy: valid pairs are
// Provider<->Customer, RS<->RS-Client, Peer<->Peer; mismatch fails OPEN with
// suberr OPEN_ROLE. If our side is strict and the peer did not announce a
// role, that is also an OPEN_ROLE failure.
func NegotiateRole(local, peer *Set, strict bool) (Role, bool, error) {
	if !local.RoleSet {
		return 0, false, nil // we didn't configure a role: nothing to negotiate
	}

	if !peer.RoleSet {
		if strict {
			return 0, false, &OpenError{Subcode: OpenRoleSubcode}
		}
		return 0, false, nil
	}

	want, ok := roleComplement(local.Role)
	if !ok || peer.Role != want {
		return 0, false, &OpenError{Subcode: OpenRoleSubcode}
	}

	return local.Role, true, nil
}
