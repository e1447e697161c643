package server

import (
	"encoding/json"
	"errors"
	"net/http"

	nativecommon "nftpawn/native/common"
	"nftpawn/native/pawn"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps an engine failure to its HTTP status and stable error code.
func statusFor(err error) (int, string) {
	if errors.Is(err, nativecommon.ErrModulePaused) {
		return http.StatusServiceUnavailable, "paused"
	}
	switch pawn.KindOf(err) {
	case pawn.ErrInvalidInput:
		return http.StatusBadRequest, pawn.KindName(err)
	case pawn.ErrNotFound:
		return http.StatusNotFound, pawn.KindName(err)
	case pawn.ErrAddressCollision, pawn.ErrWrongState:
		return http.StatusConflict, pawn.KindName(err)
	case pawn.ErrInsufficientFunds, pawn.ErrInsufficientCollateral:
		return http.StatusPaymentRequired, pawn.KindName(err)
	case pawn.ErrUnauthorized:
		return http.StatusForbidden, pawn.KindName(err)
	default:
		return http.StatusInternalServerError, pawn.KindName(err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	message := err.Error()
	var perr *pawn.Error
	if errors.As(err, &perr) && perr.Reason != "" {
		message = perr.Reason
	}
	if status == http.StatusInternalServerError && perr == nil {
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid_input", Message: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
