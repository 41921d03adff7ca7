package social

import "errors"

var (
	ErrChatNotFound         = errors.New("chat not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrEmptyText            = errors.New("message text is empty")
	ErrEmptyTitle           = errors.New("group title is empty")
	ErrInvalidDuration      = errors.New("voice duration must be positive")
	ErrInvalidPeer          = errors.New("invalid peer user id")
	ErrUnknownReaction      = errors.New("unknown reaction kind")
	ErrNotRetryable         = errors.New("message is not awaiting send")
	ErrRequestNotFound      = errors.New("friend request not found")
	ErrRequestResolved      = errors.New("friend request already resolved")
	ErrAlreadyFriends       = errors.New("already friends")
	ErrInviteCodeMalformed  = errors.New("malformed invite code")
	ErrInviteCodeTaken      = errors.New("invite code already in use")
	ErrInviteSpaceExhausted = errors.New("could not find a free invite code")
)
