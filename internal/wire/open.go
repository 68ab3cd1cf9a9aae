package wire

import "encoding/binary"

// Open is the fixed-format part of a BGP OPEN message (§3, §4.6). The
// optional-parameters blob is left as raw bytes: capability parsing,
// negotiation, and the RFC 9072 extended-length framing live in
// internal/caps, which is handed OptParams directly so this package stays a
// pure frame codec.
type Open struct {
	Version    uint8
	ASN        uint16 // the 2-octet "My Autonomous System" field (short AS)
	HoldTime   uint16
	Identifier uint32 // BGP Identifier ("BGP-ID")
	OptParams  []byte // raw optional-parameters blob, classical or RFC 9072 framing
}

// ParseOpen parses the fixed OPEN fields out of body (header already
// stripped). It does not interpret OptParams — only slices it out.
func ParseOpen(body []byte) (o Open, err error) {
	if len(body) < 10 {
		return o, &OpenError{Subcode: OpenVersionSubcode}
	}

	o.Version = body[0]
	o.ASN = binary.BigEndian.Uint16(body[1:3])
	o.HoldTime = binary.BigEndian.Uint16(body[3:5])
	o.Identifier = binary.BigEndian.Uint32(body[5:9])
	optlen := int(body[9])

	rest := body[10:]
	if optlen > len(rest) {
		return o, &OpenError{Subcode: OpenOptSubcode}
	}
	o.OptParams = rest[:optlen]
	return o, nil
}

// Marshal appends the wire representation of a full OPEN message
// (header+body) to dst.
func (o *Open) Marshal(dst []byte) []byte {
	body := make([]byte, 0, 10+len(o.OptParams))
	body = append(body, o.Version)
	body = binary.BigEndian.AppendUint16(body, o.ASN)
	body = binary.BigEndian.AppendUint16(body, o.HoldTime)
	body = binary.BigEndian.AppendUint32(body, o.Identifier)

	// RFC 9072: optparamlen=255 signals the extended-length optional
	// parameters; the 16-bit length lives inside OptParams itself.
	if len(o.OptParams) >= 255 {
		body = append(body, 255)
	} else {
		body = append(body, byte(len(o.OptParams)))
	}
	body = append(body, o.OptParams...)

	dst = EmitHeader(dst, OPEN, len(body))
	return append(dst, body...)
}

// Notification is a NOTIFICATION message body (§7). Data carries
// RFC 8203 shutdown-communication bytes when Subcode is an admin
// cease code, or the header/open error payload otherwise.
type Notification struct {
	Errcode byte
	Subcode byte
	Data    []byte
}

func ParseNotification(body []byte) (n Notification, err error) {
	if len(body) < 2 {
		return n, &HeaderError{Subcode: HeaderLenSubcode}
	}
	n.Errcode = body[0]
	n.Subcode = body[1]
	if len(body) > 2 {
		n.Data = body[2:]
	}
	return n, nil
}

func (n *Notification) Marshal(dst []byte) []byte {
	body := make([]byte, 2, 2+len(n.Data))
	body[0], body[1] = n.Errcode, n.Subcode
	body = append(body, n.Data...)
	dst = EmitHeader(dst, NOTIFICATION, len(body))
	return append(dst, body...)
}

// EmitKeepalive appends a full KEEPALIVE message (header only, no body) to dst.
func EmitKeepalive(dst []byte) []byte {
	return EmitHeader(dst, KEEPALIVE, 0)
}

// Refresh is a ROUTE-REFRESH message body (RFC 2918 / RFC 7313 enhanced
// refresh, which reuses the same wire shape with a subtype in Reserved).
type Refresh struct {
	AFI      uint16
	Reserved uint8 // subtype for enhanced refresh: 1=BoRR, 2=EoRR
	SAFI     uint8
}

func ParseRefresh(body []byte) (r Refresh, err error) {
	if len(body) < 4 {
		return r, &HeaderError{Subcode: HeaderLenSubcode}
	}
	r.AFI = binary.BigEndian.Uint16(body[0:2])
	r.Reserved = body[2]
	r.SAFI = body[3]
	return r, nil
}

func (r *Refresh) Marshal(dst []byte) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], r.AFI)
	body[2] = r.Reserved
	body[3] = r.SAFI
	dst = EmitHeader(dst, REFRESH, len(body))
	return append(dst, body...)
}

// EmitUpdate appends a full UPDATE message for an opaque, already-encoded
// body (produced by the RDE) to dst.
func EmitUpdate(dst []byte, body []byte) []byte {
	dst = EmitHeader(dst, UPDATE, len(body))
	return append(dst, body...)
}
