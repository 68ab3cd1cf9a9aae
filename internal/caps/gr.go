package caps

import "github.com/nextbgpd/sessiond/internal/aid"

const grRBit = 1 << 15 // top bit of the 16-bit Restart Flags/Time field (RFC 4724 §3)

// marshalGR appends the graceful-restart capability: code=64 len=2+4*K
// "flags:u16" (R-bit clear if any AID is currently RESTARTING) followed by
// one {afi:u16 safi:u8 flags:u8} entry per AID we track (§4.2).
func marshalGR(dst []byte, gr GracefulRestart) []byte {
	restarting := false
	for _, f := range gr.Flags {
		if f&GRRestarting != 0 {
			restarting = true
			break
		}
	}

	value := make([]byte, 0, 2+4*len(gr.Flags))
	flagsTime := gr.Timeout & 0x0fff
	if !restarting {
		flagsTime |= grRBit
	}
	value = msb.AppendUint16(value, flagsTime)

	for a, f := range gr.Flags {
		value = msb.AppendUint16(value, uint16(a.Afi()))
		value = append(value, byte(a.Safi()))

		var wireFlags byte
		if f&GRForward != 0 {
			wireFlags |= 0x80 // F-bit, RFC 4724 §3
		}
		value = append(value, wireFlags)
	}

	dst = append(dst, byte(CodeGracefulRestart), byte(len(value)))
	return append(dst, value...)
}

func parseGR(s *Set, value []byte) error {
	if len(value) < 2 || (len(value)-2)%4 != 0 {
		return errMalformed
	}

	flagsTime := msb.Uint16(value[0:2])
	s.GR.Restarting = flagsTime&grRBit != 0
	s.GR.Timeout = flagsTime & 0x0fff

	for i := 2; i < len(value); i += 4 {
		afi := aid.AFI(msb.Uint16(value[i : i+2]))
		safi := aid.SAFI(value[i+2])
		a, ok := aid.New(afi, safi)
		if !ok {
			continue
		}
		f := GRPresent
		if value[i+3]&0x80 != 0 {
			f |= GRForward
		}
		s.GR.Flags[a] = f
	}
	return nil
}
