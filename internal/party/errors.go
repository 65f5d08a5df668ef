package party

// ErrorCode classifies why a party operation was refused. Codes travel to
// the caller verbatim, so their spelling is part of the API.
type ErrorCode string

const (
	CodeOK ErrorCode = ""

	CodeNotInParty           ErrorCode = "NOT_IN_PARTY"
	CodeAlreadyInParty       ErrorCode = "ALREADY_IN_PARTY"
	CodeTargetAlreadyInParty ErrorCode = "TARGET_ALREADY_IN_PARTY"
	CodeTargetNotInParty     ErrorCode = "TARGET_NOT_IN_PARTY"
	CodePartyFull            ErrorCode = "PARTY_FULL"
	CodeInviteNotFound       ErrorCode = "INVITE_NOT_FOUND"
	CodeInviteExpired        ErrorCode = "INVITE_EXPIRED"
	CodeInviteAlreadyPending ErrorCode = "INVITE_ALREADY_PENDING"
	CodeNotLeader            ErrorCode = "NOT_LEADER"
	CodeNotModerator         ErrorCode = "NOT_MODERATOR"
	CodeLeaderOnlyAction     ErrorCode = "LEADER_ONLY_ACTION"
	CodeCannotTargetSelf     ErrorCode = "CANNOT_TARGET_SELF"
	CodeRedisUnavailable     ErrorCode = "REDIS_UNAVAILABLE"
	CodeUnknown              ErrorCode = "UNKNOWN"
)

// Result is the outcome of a coordinator operation. OK results carry the
// post-mutation party snapshot where one exists.
type Result struct {
	Code   ErrorCode
	Party  *Party
	Invite *Invite
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool { return r.Code == CodeOK }

func ok(p *Party) Result { return Result{Code: CodeOK, Party: p} }

func fail(code ErrorCode) Result { return Result{Code: code} }
