package caps

import "github.com/nextbgpd/sessiond/internal/aid"

// marshalAddPath appends one ADD-PATH capability TLV per announced AID:
// code=69 len=4*K "afi:u16 safi:u8 flags:u8" (RFC 7911 §3, §4.2).
func marshalAddPath(dst []byte, ap map[aid.AID]AddPathDir) []byte {
	if len(ap) == 0 {
		return dst
	}

	value := make([]byte, 0, 4*len(ap))
	for a, dir := range ap {
		value = msb.AppendUint16(value, uint16(a.Afi()))
		value = append(value, byte(a.Safi()), byte(dir))
	}

	dst = append(dst, byte(CodeAddPath), byte(len(value)))
	return append(dst, value...)
}

func parseAddPath(s *Set, value []byte) error {
	if len(value)%4 != 0 {
		return errMalformed
	}
	for i := 0; i < len(value); i += 4 {
		afi := aid.AFI(msb.Uint16(value[i : i+2]))
		safi := aid.SAFI(value[i+2])
		a, ok := aid.New(afi, safi)
		if !ok {
			continue
		}
		s.AddPath[a] = AddPathDir(value[i+3])
	}
	return nil
}
