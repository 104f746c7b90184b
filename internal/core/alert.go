package core

import (
	"errors"
	"time"
)

// AlertSeverity ranks alerts for routing to operators.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a message for operators.
type Alert struct {
	Severity   AlertSeverity          `json:"severity"`
	WorkloadID WorkloadID             `json:"workload_id"`
	Component  string                 `json:"component"`
	Code       string                 `json:"code,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Time       time.Time              `json:"time"`
}

// NewAlert creates an alert stamped with the current time.
func NewAlert(severity AlertSeverity, workload WorkloadID, component, message string) Alert {
	return Alert{
		Severity:   severity,
		WorkloadID: workload,
		Component:  component,
		Message:    message,
		Time:       time.Now(),
	}
}

// AlertFromError builds an alert from err, copying code and details of domain errors.
// Invariant violations are always critical.
func AlertFromError(workload WorkloadID, component, message string, err error) Alert {
	severity := SeverityWarning
	if IsInvariant(err) {
		severity = SeverityCritical
	}
	a := NewAlert(severity, workload, component, message)
	if err != nil {
		a.Details = map[string]interface{}{"error": err.Error()}
	}
	if de, ok := asDomainError(err); ok {
		a.Code = de.Code
		for k, v := range de.Details {
			a.Details[k] = v
		}
	}
	return a
}

func asDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
