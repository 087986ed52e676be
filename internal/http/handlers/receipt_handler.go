// Receipt HTTP handlers.
//
// This file exposes the REST endpoint for reporting delivery observations on
// messages:
//   - POST /messages/{id}/receipts  (record delivered/read)
//
// Most receipts arrive over the socket (received / message.read frames); this
// endpoint serves clients without a live socket, such as push-notification
// acknowledgements. Both surfaces converge on the same service, so replays
// are ignored and state regressions stay invisible to the sender.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RecordReceiptRequest is the JSON payload for recording a receipt.
//
// State must be one of:
//   - "delivered" : the message reached this recipient's device
//   - "read"      : this recipient viewed the message
//
// The service enforces the allowed set; receipts from the message's own
// sender are accepted and ignored.
type RecordReceiptRequest struct {
	// State is the observed delivery state: "delivered" or "read".
	State string `json:"state" example:"read"`
}

// RecordReceipt godoc
// @ID          recordReceipt
// @Summary     Record a delivery receipt
// @Description Records that this recipient received or read the message. Receipts are
// @Description insert-only and replay-safe: reporting the same state twice, or a lower
// @Description state after a higher one, changes nothing and notifies nobody.
// @Tags        Receipts
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  true  "Trusted recipient id"  example(bob)
// @Param       id         path    string  true  "Message ID"            format(uuid)
// @Param       body       body    handlers.RecordReceiptRequest true "Receipt payload"
//
// @Success     204  {string}  string                  "No Content"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid state"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing identity"
// @Failure     404  {object}  handlers.ErrorResponse  "Message not found"
// @Router      /messages/{id}/receipts [post]
func (h *Handlers) RecordReceipt(c *gin.Context) {
	uid, okUser := requireUser(c)
	if !okUser {
		return
	}

	var req RecordReceiptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidSchema, "malformed JSON body", nil)
		return
	}

	if err := h.receipts.Record(c.Request.Context(), c.Param("id"), uid, req.State); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}
