package caps

import "github.com/nextbgpd/sessiond/internal/aid"

// optParamCapabilities is the OPEN optional-parameter type for capabilities
// (RFC 5492 §4); optParamExtLen is the RFC 9072 extended-length marker.
const (
	optParamCapabilities = 2
	optParamExtLen       = 255
)

// MarshalCaps appends the inner capability TLV blob in the fixed order
// §4.2 specifies: MP, route-refresh, role, graceful-restart, AS4, ADD-PATH,
// enhanced route-refresh.
func (s *Set) MarshalCaps(ebgp bool) []byte {
	var dst []byte

	dst = marshalMP(dst, s.MP)

	if s.Refresh {
		dst = append(dst, byte(CodeRouteRefresh), 0)
	}

	if s.RoleSet && ebgp && (s.MP[aid.AID_INET] || s.MP[aid.AID_INET6] || len(s.MP) == 0) {
		dst = marshalRole(dst, s.Role)
	}

	if len(s.GR.Flags) > 0 || s.GR.Timeout > 0 {
		dst = marshalGR(dst, s.GR)
	}

	if s.AS4 {
		dst = marshalAS4(dst, s.ASN)
	}

	if len(s.AddPath) > 0 {
		dst = marshalAddPath(dst, s.AddPath)
	}

	if s.EnhancedRefresh {
		dst = append(dst, byte(CodeEnhancedRefresh), 0)
	}

	return dst
}

// BuildOptParams wraps the capability blob into the OPEN message's
// optional-parameters field, switching to RFC 9072 extended framing when
// the classical 8-bit parameter length would overflow (§4.2: "If the inner
// capability blob length + 2 >= 255, use RFC 9072 extended form").
func BuildOptParams(capsBlob []byte) []byte {
	if len(capsBlob)+2 >= 255 {
		dst := make([]byte, 0, 3+3+len(capsBlob))
		dst = append(dst, optParamExtLen)
		dst = msb.AppendUint16(dst, uint16(3+len(capsBlob))) // OPT_PARAM_EXT_LEN header's length field
		dst = append(dst, optParamCapabilities)
		dst = msb.AppendUint16(dst, uint16(len(capsBlob)))
		return append(dst, capsBlob...)
	}

	dst := make([]byte, 0, 2+len(capsBlob))
	dst = append(dst, optParamCapabilities, byte(len(capsBlob)))
	return append(dst, capsBlob...)
}

// ParseOptParams walks an OPEN message's optional-parameters field,
// dispatches OPT_PARAM_CAPABILITIES to the per-capability TLV parsers, and
// silently ignores unknown capability codes (§4.2). Any other top-level
// optional-parameter type, or a malformed length anywhere in the blob,
// fails the OPEN (§4.6).
func ParseOptParams(raw []byte) (*Set, error) {
	s := NewSet()

	extended := len(raw) > 0 && raw[0] == optParamExtLen
	if extended {
		if len(raw) < 3 {
			return nil, &OpenError{Subcode: 0}
		}
		raw = raw[3:] // skip the OPT_PARAM_EXT_LEN header; its length field is redundant with len(raw)
	}

	for len(raw) > 0 {
		var ptype byte
		var plen int
		var value []byte

		if extended {
			if len(raw) < 3 {
				return nil, &OpenError{Subcode: 0}
			}
			ptype = raw[0]
			plen = int(msb.Uint16(raw[1:3]))
			raw = raw[3:]
		} else {
			if len(raw) < 2 {
				return nil, &OpenError{Subcode: 0}
			}
			ptype = raw[0]
			plen = int(raw[1])
			raw = raw[2:]
		}

		if plen > len(raw) {
			return nil, &OpenError{Subcode: 0}
		}
		value, raw = raw[:plen], raw[plen:]

		if ptype != optParamCapabilities {
			return nil, &OpenError{Subcode: OpenOptSubcode}
		}

		if err := parseCapTLVs(s, value); err != nil {
			return nil, &OpenError{Subcode: 0}
		}
	}

	return s, nil
}

func parseCapTLVs(s *Set, blob []byte) error {
	for len(blob) >= 2 {
		code := Code(blob[0])
		l := int(blob[1])
		if l+2 > len(blob) {
			return errMalformed
		}
		value := blob[2 : 2+l]
		blob = blob[2+l:]

		var err error
		switch code {
		case CodeMP:
			err = parseMP(s, value)
		case CodeRouteRefresh:
			s.Refresh = true
		case CodeRole:
			err = parseRole(s, value)
		case CodeGracefulRestart:
			err = parseGR(s, value)
		case CodeAS4:
			err = parseAS4(s, value)
		case CodeAddPath:
			err = parseAddPath(s, value)
		case CodeEnhancedRefresh:
			s.EnhancedRefresh = true
		default:
			s.Raw[code] = append(s.Raw[code], value)
		}
		if err != nil {
			return err
		}
	}
	if len(blob) != 0 {
		return errMalformed
	}
	return nil
}
