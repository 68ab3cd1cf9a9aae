package wire

import "fmt"

// Notification errcode/subcode, per RFC 4271 §4.5 plus the extensions this
// engine negotiates (RFC 4724, RFC 9234). Values are transmitted verbatim on
// the wire (§7 "Each kind carries an RFC-assigned errcode/subcode pair that
// is transmitted verbatim").
const (
	ErrcodeHeader      = 1
	ErrcodeOpen        = 2
	ErrcodeUpdate      = 3
	ErrcodeHoldExpired = 4
	ErrcodeFSM         = 5
	ErrcodeCease       = 6

	// ErrcodeSendHoldExpired is its own top-level errcode, distinct from
	// ErrcodeFSM: a SendHold timeout means this end stalled writing, not
	// that it saw an out-of-sequence message (session.c:713,758,798 use
	// ERR_SENDHOLDTIMEREXPIRED, never ERR_FSM, for this case).
	ErrcodeSendHoldExpired = 8

	// Header subcodes
	HeaderSyncSubcode  = 1 // BadMarker
	HeaderLenSubcode   = 2 // BadLength
	HeaderTypeSubcode  = 3 // BadType

	// Open subcodes
	OpenVersionSubcode = 1
	OpenASSubcode      = 2
	OpenBGPIDSubcode   = 3
	OpenOptSubcode     = 4
	OpenHoldTimeSubcode = 6
	OpenRoleSubcode    = 11

	// FSM subcodes
	FSMUnexpectedOpenSentSubcode    = 1
	FSMUnexpectedOpenConfirmSubcode = 2
	FSMUnexpectedEstablishedSubcode = 3

	// Cease subcodes
	CeaseAdminShutdown  = 2
	CeaseAdminReset     = 4
	CeasePeerUnconfig   = 3
	CeaseOtherConfigChg = 6
)

// HeaderError is produced by ParseHeader on malformed framing. It always
// drives the FSM event ConFatal (§4.1).
type HeaderError struct {
	Subcode byte
	Data    []byte // e.g. the raw length field or the offending type byte
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("bgp header error: subcode=%d", e.Subcode)
}

// Errcode implements the errcode/subcode pair used to build a NOTIFICATION.
func (e *HeaderError) Errcode() (code, subcode byte) { return ErrcodeHeader, e.Subcode }

// OpenError is produced while parsing an OPEN message body (§4.6).
type OpenError struct {
	Subcode byte
	Data    []byte
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("bgp open error: subcode=%d", e.Subcode)
}

func (e *OpenError) Errcode() (code, subcode byte) { return ErrcodeOpen, e.Subcode }
