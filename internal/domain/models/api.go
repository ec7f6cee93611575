package models

// OpportunityQuery selects the opportunities returned for one symbol.
type OpportunityQuery struct {
	Symbol string `param:"symbol" validate:"required,max=32"`
	Hours  int    `query:"hours" default:"24" validate:"gte=1,lte=720"`
	Limit  int    `query:"limit" default:"50" validate:"gte=1,lte=1000"`
}

// OpportunityView is the latest cached opportunity of a symbol plus archived
// ones when an archive is configured.
type OpportunityView struct {
	Symbol  string        `json:"symbol"`
	Latest  *Opportunity  `json:"latest,omitempty"`
	History []Opportunity `json:"history,omitempty"`
}

// ControlResponse acknowledges a lifecycle command.
type ControlResponse struct {
	Action string       `json:"action"`
	State  ScannerState `json:"state"`
}
