package server

import (
	"context"
	"errors"

	"TrancheLedger/internal/core"
	"TrancheLedger/internal/poolerr"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps an engine error onto a gRPC status. Errors that already
// carry a status pass through.
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
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, core.ErrSequenceGap):
		return codes.FailedPrecondition
	case errors.Is(err, core.ErrOutOfOrder):
		return codes.Aborted
	case errors.Is(err, poolerr.ErrUnknownTranche), errors.Is(err, poolerr.ErrUnknownCover):
		return codes.NotFound
	case errors.Is(err, poolerr.ErrTooSoon), errors.Is(err, poolerr.ErrPoolDisabled),
		errors.Is(err, poolerr.ErrEpochMismatch):
		return codes.FailedPrecondition
	}
	switch poolerr.KindOf(err) {
	case poolerr.KindValidation:
		return codes.InvalidArgument
	case poolerr.KindAuthorization:
		return codes.PermissionDenied
	case poolerr.KindLiquidity, poolerr.KindTokenLedger:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}
