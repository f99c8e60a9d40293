package models

import "fmt"

// Outcome is the closed set of notification payloads a backend can deliver.
type Outcome interface {
	isOutcome()
}

// Completed resolves a unit successfully.
type Completed struct {
	Result string
}

// Failed resolves a unit as failed.
type Failed struct {
	Error string
}

// Intermediate carries progress only; it never changes unit status.
type Intermediate struct {
	Text string
}

func (Completed) isOutcome()    {}
func (Failed) isOutcome()       {}
func (Intermediate) isOutcome() {}

// Notification is an inbound callback from the execution backend.
type Notification struct {
	ContinuationRef string
	Outcome         Outcome
}

// CallbackPayload is the wire shape of a backend callback.
type CallbackPayload struct {
	ContinuationRef string `json:"continuation_ref"`
	Status          string `json:"status"`
	ResultText      string `json:"result_text,omitempty"`
	ErrorText       string `json:"error_text,omitempty"`
}

// ParseOutcome maps the wire status onto the Outcome variants.
func ParseOutcome(status, resultText, errorText string) (Outcome, error) {
	switch status {
	case "completed":
		return Completed{Result: resultText}, nil
	case "failed":
		if errorText == "" {
			errorText = resultText
		}
		return Failed{Error: errorText}, nil
	case "intermediate":
		return Intermediate{Text: resultText}, nil
	default:
		return nil, fmt.Errorf("unknown notification status %q", status)
	}
}

// Notification converts the payload, validating the status and the reference.
func (p CallbackPayload) Notification() (Notification, error) {
	if p.ContinuationRef == "" {
		return Notification{}, fmt.Errorf("missing continuation_ref")
	}
	outcome, err := ParseOutcome(p.Status, p.ResultText, p.ErrorText)
	if err != nil {
		return Notification{}, err
	}
	return Notification{ContinuationRef: p.ContinuationRef, Outcome: outcome}, nil
}
