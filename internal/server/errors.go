package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/quest-radar/internal/dispatch"
	"github.com/ChuLiYu/quest-radar/internal/geofence"
	"github.com/ChuLiYu/quest-radar/internal/integrity"
	"github.com/ChuLiYu/quest-radar/internal/livesession"
	"github.com/ChuLiYu/quest-radar/internal/questbook"
	"github.com/ChuLiYu/quest-radar/internal/radar"
	"github.com/ChuLiYu/quest-radar/internal/tracker"
)

// codeMapping 引擎錯誤對應的 gRPC 狀態碼，依序比對
var codeMapping = []struct {
	err  error
	code codes.Code
}{
	{questbook.ErrAlreadyClaimed, codes.Aborted},
	{questbook.ErrQuestNotFound, codes.NotFound},
	{tracker.ErrSessionNotFound, codes.NotFound},
	{integrity.ErrSessionNotFound, codes.NotFound},
	{livesession.ErrSessionNotFound, codes.NotFound},
	{questbook.ErrDuplicateQuest, codes.AlreadyExists},
	{livesession.ErrAlreadyLive, codes.AlreadyExists},
	{questbook.ErrQuestExpired, codes.FailedPrecondition},
	{questbook.ErrQuestClosed, codes.FailedPrecondition},
	{questbook.ErrInvalidTransition, codes.FailedPrecondition},
	{tracker.ErrSessionClosed, codes.FailedPrecondition},
	{radar.ErrNotEligible, codes.FailedPrecondition},
	{livesession.ErrNotEligible, codes.FailedPrecondition},
	{dispatch.ErrInvalidQuest, codes.InvalidArgument},
	{geofence.ErrInvalidRegion, codes.InvalidArgument},
	{dispatch.ErrNotPoster, codes.PermissionDenied},
	{dispatch.ErrNotAssignee, codes.PermissionDenied},
}

// toStatus 將引擎錯誤轉為 gRPC status
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	for _, m := range codeMapping {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}
