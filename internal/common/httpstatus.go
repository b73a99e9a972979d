package common

import (
	"encoding/json"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// KindToCode maps the module's internal error taxonomy to the shared
// grpc/codes vocabulary, a single translation every REST surface in
// the module reuses before turning a Kind into an HTTP status.
func KindToCode(kind Kind) codes.Code {
	switch kind {
	case KindUnauthorized:
		return codes.PermissionDenied
	case KindInvalidSignature:
		return codes.Unauthenticated
	case KindReplayed:
		return codes.AlreadyExists
	case KindQuarantined:
		return codes.FailedPrecondition
	case KindCheckpointMismatch:
		return codes.FailedPrecondition
	case KindNotEnrolled, KindRevoked:
		return codes.PermissionDenied
	case KindTimestampSkewed:
		return codes.InvalidArgument
	case KindAttestationFailed:
		return codes.InvalidArgument
	case KindChainBreak, KindEquivocation, KindOutOfOrder:
		return codes.FailedPrecondition
	case KindUnknownSchema:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// CodeToHTTPStatus maps a grpc/codes value to the HTTP status the
// module's REST surfaces respond with.
func CodeToHTTPStatus(c codes.Code) int {
	switch c {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err to w as a JSON body carrying its stable Kind,
// under the HTTP status KindToCode/CodeToHTTPStatus derive from it.
func WriteError(w http.ResponseWriter, err error) {
	kind, ok := KindOf(err)
	if !ok {
		kind = Kind("Internal")
	}
	code := KindToCode(kind)
	st := status.New(code, err.Error())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(CodeToHTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    st.Code().String(),
		"message": st.Message(),
	})
}
