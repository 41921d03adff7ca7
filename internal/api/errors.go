package api

import (
	"errors"

	"github.com/focuscircle/focussync/internal/realtime"
	"github.com/focuscircle/focussync/internal/social"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var codeFor = []struct {
	err  error
	code codes.Code
}{
	{social.ErrChatNotFound, codes.NotFound},
	{social.ErrMessageNotFound, codes.NotFound},
	{social.ErrRequestNotFound, codes.NotFound},
	{social.ErrEmptyText, codes.InvalidArgument},
	{social.ErrEmptyTitle, codes.InvalidArgument},
	{social.ErrInvalidDuration, codes.InvalidArgument},
	{social.ErrInvalidPeer, codes.InvalidArgument},
	{social.ErrUnknownReaction, codes.InvalidArgument},
	{social.ErrInviteCodeMalformed, codes.InvalidArgument},
	{social.ErrNotRetryable, codes.FailedPrecondition},
	{social.ErrRequestResolved, codes.FailedPrecondition},
	{social.ErrAlreadyFriends, codes.AlreadyExists},
	{social.ErrInviteCodeTaken, codes.AlreadyExists},
	{social.ErrInviteSpaceExhausted, codes.ResourceExhausted},
	{realtime.ErrNotConnected, codes.Unavailable},
	{realtime.ErrStopped, codes.Unavailable},
}

// toStatus maps a domain error onto a gRPC status.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	for _, c := range codeFor {
		if errors.Is(err, c.err) {
			return grpcstatus.Error(c.code, err.Error())
		}
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
