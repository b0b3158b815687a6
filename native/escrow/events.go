package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"gigchain/core/types"
)

const (
	EventTypeAgreementCreated   = "escrow.agreementCreated"
	EventTypeDepositMade        = "escrow.depositMade"
	EventTypeMilestoneCompleted = "escrow.milestoneCompleted"
	EventTypeDeliveryConfirmed  = "escrow.deliveryConfirmed"
	EventTypePaymentMade        = "escrow.paymentMade"
	EventTypeCompleted          = "escrow.completed"
	EventTypeDepositRefunded    = "escrow.depositRefunded"
	EventTypeDisputeRaised      = "escrow.disputeRaised"
	EventTypeVoteCast           = "escrow.voteCast"
	EventTypeDisputeResolved    = "escrow.disputeResolved"
)

// NewAgreementCreatedEvent returns the canonical payload for a newly created
// agreement.
func NewAgreementCreatedEvent(a *Agreement) *types.Event {
	attrs := agreementAttrs(a)
	if a != nil {
		attrs["totalPayment"] = formatAmount(a.TotalPayment)
		attrs["commissionRate"] = strconv.FormatUint(uint64(a.CommissionRate), 10)
		attrs["milestoneCount"] = strconv.FormatUint(uint64(a.MilestoneCount), 10)
	}
	return &types.Event{Type: EventTypeAgreementCreated, Attributes: attrs}
}

// NewDepositMadeEvent is emitted when the client locks a milestone's funds.
func NewDepositMadeEvent(a *Agreement, amount, commission *big.Int) *types.Event {
	attrs := agreementAttrs(a)
	attrs["amount"] = formatAmount(amount)
	attrs["commission"] = formatAmount(commission)
	return &types.Event{Type: EventTypeDepositMade, Attributes: attrs}
}

// NewMilestoneCompletedEvent is emitted when the freelancer reports delivery.
func NewMilestoneCompletedEvent(a *Agreement, message string) *types.Event {
	attrs := agreementAttrs(a)
	attrs["message"] = message
	return &types.Event{Type: EventTypeMilestoneCompleted, Attributes: attrs}
}

// NewDeliveryConfirmedEvent is emitted when a milestone settles in the
// freelancer's favour, whether by confirmation or dispute resolution.
func NewDeliveryConfirmedEvent(a *Agreement) *types.Event {
	return &types.Event{Type: EventTypeDeliveryConfirmed, Attributes: agreementAttrs(a)}
}

// NewPaymentMadeEvent carries the principal released to the freelancer.
func NewPaymentMadeEvent(a *Agreement, amount *big.Int) *types.Event {
	attrs := agreementAttrs(a)
	attrs["amount"] = formatAmount(amount)
	return &types.Event{Type: EventTypePaymentMade, Attributes: attrs}
}

// NewCompletedEvent marks the terminal state once the full total has been paid.
func NewCompletedEvent(a *Agreement) *types.Event {
	attrs := agreementAttrs(a)
	if a != nil {
		attrs["paidAmount"] = formatAmount(a.PaidAmount)
	}
	return &types.Event{Type: EventTypeCompleted, Attributes: attrs}
}

// NewDepositRefundedEvent carries the full held value returned to the client
// when a dispute dissolves the agreement.
func NewDepositRefundedEvent(a *Agreement, amount *big.Int) *types.Event {
	attrs := agreementAttrs(a)
	attrs["amount"] = formatAmount(amount)
	return &types.Event{Type: EventTypeDepositRefunded, Attributes: attrs}
}

// NewDisputeRaisedEvent carries the pre-dispute state snapshot for auditing.
func NewDisputeRaisedEvent(a *Agreement, d *Dispute) *types.Event {
	attrs := agreementAttrs(a)
	if d != nil {
		attrs["disputeId"] = strconv.FormatUint(uint64(d.ID), 10)
		attrs["raisedBy"] = hex.EncodeToString(d.RaisedBy[:])
		attrs["priorState"] = strconv.FormatUint(uint64(d.PriorState), 10)
		attrs["message"] = d.Message
	}
	return &types.Event{Type: EventTypeDisputeRaised, Attributes: attrs}
}

// NewVoteCastEvent records one arbitrator ballot and its credential cost.
func NewVoteCastEvent(d *Dispute, voter [20]byte, side VoteSide, cost uint64) *types.Event {
	attrs := make(map[string]string)
	if d != nil {
		attrs["agreementId"] = hex.EncodeToString(d.AgreementID[:])
		attrs["disputeId"] = strconv.FormatUint(uint64(d.ID), 10)
	}
	attrs["voter"] = hex.EncodeToString(voter[:])
	attrs["side"] = strconv.FormatUint(uint64(side), 10)
	attrs["amount"] = strconv.FormatUint(cost, 10)
	return &types.Event{Type: EventTypeVoteCast, Attributes: attrs}
}

// NewDisputeResolvedEvent carries the winner and the agreement's new state.
func NewDisputeResolvedEvent(a *Agreement, d *Dispute, winner [20]byte, message string) *types.Event {
	attrs := agreementAttrs(a)
	if d != nil {
		attrs["disputeId"] = strconv.FormatUint(uint64(d.ID), 10)
	}
	attrs["winner"] = hex.EncodeToString(winner[:])
	attrs["message"] = message
	if a != nil {
		attrs["newState"] = strconv.FormatUint(uint64(a.State), 10)
	}
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}
}

func agreementAttrs(a *Agreement) map[string]string {
	attrs := make(map[string]string)
	if a == nil {
		return attrs
	}
	attrs["id"] = hex.EncodeToString(a.ID[:])
	attrs["client"] = hex.EncodeToString(a.Client[:])
	attrs["freelancer"] = hex.EncodeToString(a.Freelancer[:])
	attrs["state"] = strconv.FormatUint(uint64(a.State), 10)
	return attrs
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
