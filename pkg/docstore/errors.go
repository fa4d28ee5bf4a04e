package docstore

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/ekaya-inc/ekaya-migrate/pkg/apperrors"
)

const (
	labelTransientTransaction = "TransientTransactionError"
	labelRetryableWrite       = "RetryableWriteError"
)

// Server codes that are worth another attempt: elections, step-downs,
// write conflicts and interrupted operations.
var retryableCodes = map[int]struct{}{
	6:     {}, // HostUnreachable
	7:     {}, // HostNotFound
	89:    {}, // NetworkTimeout
	91:    {}, // ShutdownInProgress
	112:   {}, // WriteConflict
	189:   {}, // PrimarySteppedDown
	262:   {}, // ExceededTimeLimit
	9001:  {}, // SocketException
	10107: {}, // NotWritablePrimary
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	13435: {}, // NotPrimaryNoSecondaryOk
	13436: {}, // NotPrimaryOrSecondary
	16500: {}, // request rate too large (Cosmos DB Mongo API)
}

// Codes that never succeed on retry, checked before anything else.
var permanentCodes = map[int]struct{}{
	13:  {}, // Unauthorized
	18:  {}, // AuthenticationFailed
	121: {}, // DocumentValidationFailure
}

// Classify wraps a target error as *apperrors.TransientWriteError or
// *apperrors.PermanentWriteError for table and batch. Errors that are already
// classified, pool timeouts and context cancellation pass through unchanged.
func Classify(table string, batch int, err error) error {
	if err == nil {
		return nil
	}

	var (
		te  *apperrors.TransientWriteError
		pe  *apperrors.PermanentWriteError
		pte *apperrors.PoolTimeoutError
	)
	switch {
	case errors.As(err, &te), errors.As(err, &pe), errors.As(err, &pte):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, apperrors.ErrPoolClosed):
		return err
	}

	if isTransient(err) {
		return &apperrors.TransientWriteError{Table: table, Batch: batch, Err: err}
	}
	return &apperrors.PermanentWriteError{Table: table, Batch: batch, Err: err}
}

func isTransient(err error) bool {
	if mongo.IsDuplicateKeyError(err) {
		return false
	}

	var se mongo.ServerError
	isServer := errors.As(err, &se)
	if isServer {
		for _, code := range se.ErrorCodes() {
			if _, ok := permanentCodes[code]; ok {
				return false
			}
		}
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	if hasLabel(err, labelTransientTransaction) || hasLabel(err, labelRetryableWrite) {
		return true
	}
	if isServer {
		for _, code := range se.ErrorCodes() {
			if _, ok := retryableCodes[code]; ok {
				return true
			}
		}
	}
	return false
}

func hasLabel(err error, label string) bool {
	var le mongo.LabeledError
	return errors.As(err, &le) && le.HasErrorLabel(label)
}

// isRetryableConnectError reports whether a failed connect or ping may succeed
// later. Rejected credentials and missing privileges never do. Handshake
// authentication failures are not always server errors, so their message is
// checked too.
func isRetryableConnectError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(13) || se.HasErrorCode(18)) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return !strings.Contains(msg, "authentication failed") && !strings.Contains(msg, "auth error")
}
