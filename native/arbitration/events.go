package arbitration

import (
	"encoding/hex"
	"strconv"

	"gigchain/core/types"
)

const (
	EventTypeRegistered          = "arbitration.registered"
	EventTypeApproved            = "arbitration.approved"
	EventTypeCredentialConsumed  = "arbitration.credentialConsumed"
	EventTypeCredentialRewarded  = "arbitration.credentialRewarded"
	EventTypeCredentialMinted    = "arbitration.credentialMinted"
	EventTypeCredentialTransfer  = "arbitration.credentialTransferred"
	EventTypeReputationIncreased = "arbitration.reputationIncreased"
)

type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

// NewRegisteredEvent returns the canonical payload for a new registration.
func NewRegisteredEvent(a *Arbitrator) *types.Event {
	attrs := make(map[string]string)
	if a != nil {
		attrs["arbitrator"] = hex.EncodeToString(a.Address[:])
		attrs["balance"] = strconv.FormatUint(a.Balance, 10)
		attrs["reputation"] = strconv.FormatUint(a.Reputation, 10)
		attrs["registeredAt"] = strconv.FormatInt(a.RegisteredAt, 10)
	}
	return &types.Event{Type: EventTypeRegistered, Attributes: attrs}
}

// NewApprovedEvent records an allowance grant from owner to spender.
func NewApprovedEvent(owner, spender [20]byte, amount uint64) *types.Event {
	return &types.Event{Type: EventTypeApproved, Attributes: map[string]string{
		"owner":   hex.EncodeToString(owner[:]),
		"spender": hex.EncodeToString(spender[:]),
		"amount":  strconv.FormatUint(amount, 10),
	}}
}

// NewConsumedEvent records credential spent through an allowance.
func NewConsumedEvent(owner, spender [20]byte, amount, balance uint64) *types.Event {
	return &types.Event{Type: EventTypeCredentialConsumed, Attributes: map[string]string{
		"owner":   hex.EncodeToString(owner[:]),
		"spender": hex.EncodeToString(spender[:]),
		"amount":  strconv.FormatUint(amount, 10),
		"balance": strconv.FormatUint(balance, 10),
	}}
}

// NewRewardedEvent records credential minted on dispute resolution.
func NewRewardedEvent(addr [20]byte, amount, balance uint64) *types.Event {
	return &types.Event{Type: EventTypeCredentialRewarded, Attributes: map[string]string{
		"arbitrator": hex.EncodeToString(addr[:]),
		"amount":     strconv.FormatUint(amount, 10),
		"balance":    strconv.FormatUint(balance, 10),
	}}
}

// NewMintedEvent records an authority top-up.
func NewMintedEvent(addr [20]byte, amount, balance uint64) *types.Event {
	return &types.Event{Type: EventTypeCredentialMinted, Attributes: map[string]string{
		"arbitrator": hex.EncodeToString(addr[:]),
		"amount":     strconv.FormatUint(amount, 10),
		"balance":    strconv.FormatUint(balance, 10),
	}}
}

// NewTransferredEvent records a credential move between arbitrators.
func NewTransferredEvent(from, to [20]byte, amount uint64) *types.Event {
	return &types.Event{Type: EventTypeCredentialTransfer, Attributes: map[string]string{
		"from":   hex.EncodeToString(from[:]),
		"to":     hex.EncodeToString(to[:]),
		"amount": strconv.FormatUint(amount, 10),
	}}
}

// NewReputationEvent records a reputation increment.
func NewReputationEvent(addr [20]byte, reputation uint64) *types.Event {
	return &types.Event{Type: EventTypeReputationIncreased, Attributes: map[string]string{
		"arbitrator": hex.EncodeToString(addr[:]),
		"reputation": strconv.FormatUint(reputation, 10),
	}}
}
