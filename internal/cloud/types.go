package cloud

import "time"

// Result state discriminators used in authority responses.
const (
	// StateAuthorized: the session was issued.
	StateAuthorized = "authorized"

	// StateRejected: the authority refused the request.
	StateRejected = "rejected"

	// StateAuthenticationPart2: the terminal must complete the tag's
	// second authentication phase with the enclosed cloud challenge.
	StateAuthenticationPart2 = "authentication_part2"
)

// FirstAuthentication carries the tag's phase-1 output for a fresh
// three-pass authentication.
type FirstAuthentication struct {
	// NtagChallenge is the tag's 16-byte encrypted RndB.
	NtagChallenge []byte `json:"ntag_challenge"`
}

// RecentAuthentication carries a short-lived token from a previous full
// authentication at any terminal.
type RecentAuthentication struct {
	Token string `json:"token"`
}

// StartSessionRequest asks the authority to authorize a tag for a
// machine. Exactly one of FirstAuth or RecentAuth is set.
type StartSessionRequest struct {
	// TokenID is the tag UID in hex.
	TokenID    string                `json:"token_id"`
	MachineID  string                `json:"machine_id"`
	FirstAuth  *FirstAuthentication  `json:"first_authentication,omitempty"`
	RecentAuth *RecentAuthentication `json:"recent_authentication,omitempty"`
}

// AuthenticatePart2Request returns the tag's encrypted phase-2 response
// for final verification.
type AuthenticatePart2Request struct {
	SessionID             string `json:"session_id"`
	EncryptedNtagResponse []byte `json:"encrypted_ntag_response"`
}

// Result is the three-way outcome union in authority responses,
// discriminated by State.
type Result struct {
	State string `json:"state"`

	// Name is the user's display name. Authorized only.
	Name string `json:"name,omitempty"`

	// UserID identifies the authorized user. Authorized only.
	UserID string `json:"user_id,omitempty"`

	// Expiration is when the issued session stops being usable.
	// Authorized only; carried so the terminal can register the session
	// even when the push channel is down.
	Expiration time.Time `json:"expiration,omitzero"`

	// Permissions the session grants. Authorized only.
	Permissions []string `json:"permissions,omitempty"`

	// RecentAuthToken is a JWT usable for RecentAuthentication at any
	// terminal until it expires. Authorized after a full authentication.
	RecentAuthToken string `json:"recent_auth_token,omitempty"`

	// Message is a user-displayable rejection reason. Rejected only.
	Message string `json:"message,omitempty"`

	// CloudChallenge is the authority's 32-byte challenge.
	// AuthenticationPart2 only.
	CloudChallenge []byte `json:"cloud_challenge,omitempty"`
}

// StartSessionResponse answers both startSession and authenticatePart2.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Result    Result `json:"result"`
}

// UsageUploadRecord is one closed usage record in an upload.
type UsageUploadRecord struct {
	SessionToken string `json:"session_token"`
	StartedAt    string `json:"started_at"`
	EndedAt      string `json:"ended_at"`
	EndReason    string `json:"end_reason"`
}

// UploadUsageRequest delivers closed usage records to the authority.
type UploadUsageRequest struct {
	MachineID string              `json:"machine_id"`
	Records   []UsageUploadRecord `json:"records"`
}

// UploadUsageResponse acknowledges an upload.
type UploadUsageResponse struct {
	Accepted int `json:"accepted"`
}

// KeyDiversificationRequest asks for a tag's per-tag key set during
// personalization. Admin-guarded on the authority.
type KeyDiversificationRequest struct {
	// AdminToken is a recent-auth JWT of a user holding the admin
	// permission.
	AdminToken string `json:"admin_token"`

	// TokenID is the UID of the tag being personalized, in hex.
	TokenID string `json:"token_id"`
}

// KeyDiversificationResponse carries the diversified keys, hex encoded.
// The terminal key is well known and not included.
type KeyDiversificationResponse struct {
	ApplicationKey   string `json:"application_key"`
	AuthorizationKey string `json:"authorization_key"`
	Reserved1Key     string `json:"reserved1_key"`
	Reserved2Key     string `json:"reserved2_key"`
}
