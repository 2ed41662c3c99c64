package models

import (
	"encoding/json"
	"errors"
)

// unmarshalEnum decodes a JSON string and looks it up in values.
func unmarshalEnum[T ~string](b []byte, name string, values map[string]T) (T, error) {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return "", errors.New(name + " must be string")
	}
	v, ok := values[str]
	if !ok {
		return "", errors.New("invalid " + name)
	}
	return v, nil
}

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusDraft     PurchaseOrderStatus = "draft"
	PurchaseOrderStatusSent      PurchaseOrderStatus = "sent"
	PurchaseOrderStatusApproved  PurchaseOrderStatus = "approved"
	PurchaseOrderStatusRejected  PurchaseOrderStatus = "rejected"
	PurchaseOrderStatusReceived  PurchaseOrderStatus = "received"
	PurchaseOrderStatusCancelled PurchaseOrderStatus = "cancelled"
)

var purchaseOrderStatuses = map[string]PurchaseOrderStatus{
	"draft":     PurchaseOrderStatusDraft,
	"sent":      PurchaseOrderStatusSent,
	"approved":  PurchaseOrderStatusApproved,
	"rejected":  PurchaseOrderStatusRejected,
	"received":  PurchaseOrderStatusReceived,
	"cancelled": PurchaseOrderStatusCancelled,
}

func (s *PurchaseOrderStatus) UnmarshalJSON(b []byte) (err error) {
	*s, err = unmarshalEnum(b, "purchase order status", purchaseOrderStatuses)
	return err
}

// purchaseOrderTransitions lists the statuses reachable from each status.
// received is set by deliveries, never by hand.
var purchaseOrderTransitions = map[PurchaseOrderStatus][]PurchaseOrderStatus{
	PurchaseOrderStatusDraft:    {PurchaseOrderStatusSent, PurchaseOrderStatusCancelled},
	PurchaseOrderStatusSent:     {PurchaseOrderStatusApproved, PurchaseOrderStatusRejected, PurchaseOrderStatusCancelled},
	PurchaseOrderStatusApproved: {PurchaseOrderStatusCancelled},
	PurchaseOrderStatusRejected: {PurchaseOrderStatusDraft},
}

func (s PurchaseOrderStatus) CanTransitionTo(next PurchaseOrderStatus) bool {
	for _, allowed := range purchaseOrderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AcceptsDeliveries is true once the vendor may ship against the PO.
func (s PurchaseOrderStatus) AcceptsDeliveries() bool {
	return s == PurchaseOrderStatusApproved || s == PurchaseOrderStatusReceived
}

type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusPartial  DeliveryStatus = "partial"
	DeliveryStatusComplete DeliveryStatus = "complete"
)

type InvoiceStatus string

const (
	InvoiceStatusSubmitted InvoiceStatus = "submitted"
	InvoiceStatusApproved  InvoiceStatus = "approved"
	InvoiceStatusRejected  InvoiceStatus = "rejected"
)

type DiscrepancyStatus string

const (
	DiscrepancyStatusOpen     DiscrepancyStatus = "open"
	DiscrepancyStatusReviewed DiscrepancyStatus = "reviewed"
	DiscrepancyStatusResolved DiscrepancyStatus = "resolved"
	DiscrepancyStatusWaived   DiscrepancyStatus = "waived"
)

// IsClosed is true for resolved and waived discrepancies.
func (s DiscrepancyStatus) IsClosed() bool {
	return s == DiscrepancyStatusResolved || s == DiscrepancyStatusWaived
}

var discrepancyStatuses = map[string]DiscrepancyStatus{
	"open":     DiscrepancyStatusOpen,
	"reviewed": DiscrepancyStatusReviewed,
	"resolved": DiscrepancyStatusResolved,
	"waived":   DiscrepancyStatusWaived,
}

func (s *DiscrepancyStatus) UnmarshalJSON(b []byte) (err error) {
	*s, err = unmarshalEnum(b, "discrepancy status", discrepancyStatuses)
	return err
}

type DiscrepancySeverity string

const (
	DiscrepancySeverityCritical DiscrepancySeverity = "critical"
	DiscrepancySeverityWarning  DiscrepancySeverity = "warning"
	DiscrepancySeverityInfo     DiscrepancySeverity = "info"
)

var discrepancySeverities = map[string]DiscrepancySeverity{
	"critical": DiscrepancySeverityCritical,
	"warning":  DiscrepancySeverityWarning,
	"info":     DiscrepancySeverityInfo,
}

func (s *DiscrepancySeverity) UnmarshalJSON(b []byte) (err error) {
	*s, err = unmarshalEnum(b, "discrepancy severity", discrepancySeverities)
	return err
}

// DiscrepancySource tells engine-raised discrepancies apart from manual ones.
// Only matching discrepancies are replaced when an invoice is re-matched.
type DiscrepancySource string

const (
	DiscrepancySourceMatching DiscrepancySource = "matching"
	DiscrepancySourceManual   DiscrepancySource = "manual"
)

// OutboxReferenceType is the kind of document an outbox event is about.
type OutboxReferenceType string

const (
	OutboxReferenceTypeDelivery      OutboxReferenceType = "DLV"
	OutboxReferenceTypeInvoice       OutboxReferenceType = "INV"
	OutboxReferenceTypeDiscrepancy   OutboxReferenceType = "DSC"
	OutboxReferenceTypePurchaseOrder OutboxReferenceType = "PO"
)

var outboxReferenceTypes = map[string]OutboxReferenceType{
	"DLV": OutboxReferenceTypeDelivery,
	"INV": OutboxReferenceTypeInvoice,
	"DSC": OutboxReferenceTypeDiscrepancy,
	"PO":  OutboxReferenceTypePurchaseOrder,
}

// ParseOutboxReferenceType validates a reference type read from a message.
func ParseOutboxReferenceType(s string) (OutboxReferenceType, error) {
	t, ok := outboxReferenceTypes[s]
	if !ok {
		return "", errors.New("invalid outbox reference type")
	}
	return t, nil
}

type OutboxAction string

const (
	OutboxActionCreate OutboxAction = "C"
	OutboxActionUpdate OutboxAction = "U"
	OutboxActionDelete OutboxAction = "D"
)

type UserRole string

const (
	UserRoleAdmin       UserRole = "admin"
	UserRoleApprover    UserRole = "approver"
	UserRoleFinance     UserRole = "finance"
	UserRoleEngineer    UserRole = "engineer"
	UserRoleIntegration UserRole = "integration"
)

var userRoles = map[string]UserRole{
	"admin":       UserRoleAdmin,
	"approver":    UserRoleApprover,
	"finance":     UserRoleFinance,
	"engineer":    UserRoleEngineer,
	"integration": UserRoleIntegration,
}

func (r *UserRole) UnmarshalJSON(b []byte) (err error) {
	*r, err = unmarshalEnum(b, "user role", userRoles)
	return err
}

// CanApproveInvoices is true for roles allowed to approve or reject invoices
// and to close discrepancies.
func (r UserRole) CanApproveInvoices() bool {
	return r == UserRoleAdmin || r == UserRoleApprover || r == UserRoleFinance
}
