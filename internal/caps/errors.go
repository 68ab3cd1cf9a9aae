package caps

import (
	"errors"

	"github.com/nextbgpd/sessiond/internal/wire"
)

// OpenError and the subcode constants it needs are the same type the frame
// codec uses to fail an OPEN, so capability negotiation failures convert
// directly into a NOTIFICATION without an intermediate translation step.
type OpenError = wire.OpenError

const (
	OpenOptSubcode  = wire.OpenOptSubcode
	OpenRoleSubcode = wire.OpenRoleSubcode
)

// errMalformed is returned internally by per-capability parsers on a bad
// TLV length; ParseOptParams turns it into an OpenError{Subcode: 0}
// ("Malformed length anywhere in the capability blob fails the OPEN with
// NOTIFICATION(OPEN, 0)", §4.2).
var errMalformed = errors.New("caps: malformed capability TLV")
