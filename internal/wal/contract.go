package wal

import "fmt"

// Phase is the lifecycle half an AuditBlob records.
type Phase string

const (
	PhaseBegin Phase = "begin"
	PhaseEnd   Phase = "end"
)

// Meta is the required metadata every AuditBlob carries.
type Meta struct {
	Service   string `json:"service"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"requestId"`
}

// AuditBlob is the opaque payload the edge pipeline journals, plus its
// required meta.
type AuditBlob struct {
	Meta  Meta                   `json:"meta"`
	Phase Phase                  `json:"phase"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Line is what the journal stores: one line per append.
type Line struct {
	AppendedAt int64     `json:"appendedAt"`
	Blob       AuditBlob `json:"blob"`
}

// ValidateContract enforces the AuditBlob invariants: meta fields all
// present and non-empty, ts finite, phase recognized.
func ValidateContract(b AuditBlob) error {
	if b.Meta.Service == "" {
		return fmt.Errorf("%w: meta.service is empty", errContractInvalid)
	}
	if b.Meta.RequestID == "" {
		return fmt.Errorf("%w: meta.requestId is empty", errContractInvalid)
	}
	if b.Meta.Ts <= 0 {
		return fmt.Errorf("%w: meta.ts is not a valid epoch_ms", errContractInvalid)
	}
	if b.Phase != PhaseBegin && b.Phase != PhaseEnd {
		return fmt.Errorf("%w: phase %q is not begin/end", errContractInvalid, b.Phase)
	}
	return nil
}
