package v1

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/mpesa"
	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/utils"
)

const maxCallbackBytes = 64 << 10

// callback reads a Daraja callback body and hands it to handle. Daraja gets
// an acknowledgement even when processing fails; failures are logged and
// reconciled later.
func (r *Router) callback(kind string, handle func(ctx context.Context, body []byte) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxCallbackBytes))
		if err != nil {
			utils.Warn("failed to read mpesa callback", "kind", kind, "error", err.Error())
			writeJSON(w, http.StatusOK, mpesa.Accept())
			return
		}
		if err := handle(req.Context(), body); err != nil {
			utils.Error("mpesa callback failed",
				"kind", kind,
				"request_id", utils.RequestIDFrom(req.Context()),
				"error", err.Error(),
			)
		}
		writeJSON(w, http.StatusOK, mpesa.Accept())
	}
}

func (r *Router) handleSTKCallback(w http.ResponseWriter, req *http.Request) {
	r.callback("stk", r.services.Payment.HandleSTKCallback)(w, req)
}

func (r *Router) handleB2CResult(w http.ResponseWriter, req *http.Request) {
	r.callback("b2c_result", r.services.Payment.HandleB2CResult)(w, req)
}

func (r *Router) handleB2CTimeout(w http.ResponseWriter, req *http.Request) {
	r.callback("b2c_timeout", r.services.Payment.HandleB2CTimeout)(w, req)
}

func decodeC2B(w http.ResponseWriter, req *http.Request) (*mpesa.C2BRequest, error) {
	var c2b mpesa.C2BRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxCallbackBytes)).Decode(&c2b); err != nil {
		return nil, err
	}
	return &c2b, nil
}

// handleC2BValidation accepts or rejects a paybill payment before M-Pesa
// completes it.
func (r *Router) handleC2BValidation(w http.ResponseWriter, req *http.Request) {
	c2b, err := decodeC2B(w, req)
	if err != nil {
		utils.Warn("invalid c2b validation body", "error", err.Error())
		writeJSON(w, http.StatusOK, mpesa.C2BResponse{ResultCode: mpesa.C2BInvalidAccountNumber, ResultDesc: "Rejected"})
		return
	}
	writeJSON(w, http.StatusOK, r.services.Payment.ValidateC2B(req.Context(), c2b))
}

func (r *Router) handleC2BConfirmation(w http.ResponseWriter, req *http.Request) {
	c2b, err := decodeC2B(w, req)
	if err != nil {
		utils.Warn("invalid c2b confirmation body", "error", err.Error())
		writeJSON(w, http.StatusOK, mpesa.Accept())
		return
	}
	if err := r.services.Payment.ConfirmC2B(req.Context(), c2b); err != nil {
		utils.Error("c2b confirmation failed",
			"trans_id", c2b.TransID,
			"bill_ref", c2b.BillRefNumber,
			"error", err.Error(),
		)
	}
	writeJSON(w, http.StatusOK, mpesa.Accept())
}
