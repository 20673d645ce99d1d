package server

import (
	"vaultline/internal/domain"
	"vaultline/internal/frontmatter"
)

// Request payloads

type ReplyRequest struct {
	Text string `json:"text" example:"APPROVE ODOO_payment_acme.md" doc:"APPROVE <file> or REJECT <file>"`
}

// Responses

type ApprovalResponse struct {
	Name     string       `json:"name"`
	State    domain.State `json:"state"`
	Action   string       `json:"action"`
	Type     string       `json:"type,omitempty"`
	Priority string       `json:"priority,omitempty"`
	Created  string       `json:"created,omitempty"`
	ModTime  string       `json:"mod_time" format:"date-time"`
}

type ReplyResponse struct {
	Verb     string           `json:"verb" enum:"APPROVE,REJECT"`
	Approval ApprovalResponse `json:"approval"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

type approvalList struct {
	Items []ApprovalResponse `json:"items"`
}

type jobRunList struct {
	Items []domain.JobRun `json:"items"`
}

func approvalResponse(d domain.Descriptor, h frontmatter.Header) ApprovalResponse {
	return ApprovalResponse{
		Name:     d.Name,
		State:    d.State,
		Action:   h.GetOr("action", "unknown"),
		Type:     h.Get("type"),
		Priority: h.Get("priority"),
		Created:  h.Get("created"),
		ModTime:  d.ModTime,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
