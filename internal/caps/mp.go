package caps

import (
	"github.com/nextbgpd/sessiond/internal/aid"
	"github.com/nextbgpd/sessiond/internal/binary"
)

var msb = binary.Msb

// marshalMP appends one MP_EXT capability TLV per announced AID:
// code=1 len=4 "afi:u16 0 safi:u8" (§4.2).
func marshalMP(dst []byte, mp map[aid.AID]bool) []byte {
	for a, on := range mp {
		if !on {
			continue
		}
		dst = append(dst, byte(CodeMP), 4)
		dst = msb.AppendUint16(dst, uint16(a.Afi()))
		dst = append(dst, 0, byte(a.Safi()))
	}
	return dst
}

func parseMP(s *Set, value []byte) error {
	if len(value) != 4 {
		return errMalformed
	}
	afi := aid.AFI(msb.Uint16(value[0:2]))
	safi := aid.SAFI(value[3])
	if a, ok := aid.New(afi, safi); ok {
		s.MP[a] = true
	}
	return nil
}
