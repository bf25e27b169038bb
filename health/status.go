package health

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// State names
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the health of one part of the runtime, or of the whole runtime
// when SubStatuses is set
type Status struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp time.Time `json:"timestamp"`

	// Since is when the part entered its current state
	Since time.Time `json:"since,omitzero"`
	// Failures counts consecutive unhealthy reports
	Failures int `json:"failures,omitempty"`

	SubStatuses []Status `json:"sub_statuses,omitempty"`
}

func newStatus(component, state, message string) Status {
	now := time.Now()
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: now,
		Since:     now,
	}
}

// NewHealthy returns a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded returns a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy returns an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// FromError is healthy for a nil err and unhealthy with the redacted error
// text otherwise
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "running")
	}
	return NewUnhealthy(component, Redact(err.Error()))
}

func (s Status) IsHealthy() bool   { return s.Status == StateHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// Aggregate combines subs into one status named component: unhealthy if any
// sub is unhealthy, else degraded if any is degraded, else healthy. Subs are
// copied and sorted by component.
func Aggregate(component string, subs []Status) Status {
	var unhealthy, degraded int
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			unhealthy++
		case sub.IsDegraded():
			degraded++
		}
	}

	var st Status
	switch {
	case unhealthy > 0:
		st = NewUnhealthy(component, plural(unhealthy, "component is", "components are")+" unhealthy")
	case degraded > 0:
		st = NewDegraded(component, plural(degraded, "component is", "components are")+" degraded")
	default:
		st = NewHealthy(component, "all components are healthy")
	}
	if len(subs) > 0 {
		st.SubStatuses = append([]Status(nil), subs...)
		sort.Slice(st.SubStatuses, func(i, j int) bool {
			return st.SubStatuses[i].Component < st.SubStatuses[j].Component
		})
	}
	return st
}

func plural(n int, one, many string) string {
	if n == 1 {
		return "1 " + one
	}
	return fmt.Sprintf("%d %s", n, many)
}

var (
	urlUserInfo = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*://)[^/@\s]+@`)
	secretPair  = regexp.MustCompile(`(?i)\b(password|passwd|token|secret|api[_-]?key|credentials?)(\s*[:=]\s*)[^,;\s}&]+`)
)

// Redact replaces URL user info and secret key=value pairs in msg
func Redact(msg string) string {
	msg = urlUserInfo.ReplaceAllString(msg, "${1}[REDACTED]@")
	return secretPair.ReplaceAllString(msg, "${1}${2}[REDACTED]")
}
