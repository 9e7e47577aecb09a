package relationships

// SendOutcome tags the result of SendRequest. Rejections are outcomes, not errors.
type SendOutcome int

const (
	Created SendOutcome = iota + 1
	Resent
	AutoAccepted
	AlreadyFriends
	DuplicateRequest
)

func (o SendOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case Resent:
		return "resent"
	case AutoAccepted:
		return "auto_accepted"
	case AlreadyFriends:
		return "already_friends"
	case DuplicateRequest:
		return "duplicate_request"
	default:
		return "unknown"
	}
}

// MarshalText encodes the outcome as its string form.
func (o SendOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// SendResult is the tagged result of SendRequest. RequestID is set for
// Created, Resent and AutoAccepted; for AutoAccepted it names the reverse
// request that was accepted.
type SendResult struct {
	Outcome   SendOutcome `json:"outcome"`
	RequestID string      `json:"requestId,omitempty"`
}

// Rejected reports whether the send was refused without any write.
func (r SendResult) Rejected() bool {
	return r.Outcome == AlreadyFriends || r.Outcome == DuplicateRequest
}
