package caps

// marshalAS4 appends the four-octet AS capability: code=65 len=4 AS (§4.2).
func marshalAS4(dst []byte, asn uint32) []byte {
	dst = append(dst, byte(CodeAS4), 4)
	return msb.AppendUint32(dst, asn)
}

func parseAS4(s *Set, value []byte) error {
	if len(value) != 4 {
		return errMalformed
	}
	s.AS4 = true
	s.ASN = msb.Uint32(value)
	return nil
}
