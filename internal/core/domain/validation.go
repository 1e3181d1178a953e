package domain

// ValidationMessage is a single failed rule.
type ValidationMessage struct {
	Message    string `json:"message"`
	Mitigation string `json:"mitigation,omitempty"`
}

// ValidationReport is the opaque outcome of a validation engine run.
type ValidationReport struct {
	Failures []ValidationMessage `json:"failures,omitempty"`
}

// Passed reports whether no rule failed.
func (r ValidationReport) Passed() bool { return len(r.Failures) == 0 }

// Merge returns a report holding the failures of both.
func (r ValidationReport) Merge(other ValidationReport) ValidationReport {
	if other.Passed() {
		return r
	}
	out := ValidationReport{Failures: make([]ValidationMessage, 0, len(r.Failures)+len(other.Failures))}
	out.Failures = append(out.Failures, r.Failures...)
	out.Failures = append(out.Failures, other.Failures...)
	return out
}

// Pass is an empty, passing report.
func Pass() ValidationReport { return ValidationReport{} }

// Fail builds a failing report with one message.
func Fail(message, mitigation string) ValidationReport {
	return ValidationReport{Failures: []ValidationMessage{{Message: message, Mitigation: mitigation}}}
}

// Validator checks a command, optionally against aggregate state.
// Intrinsic validators get a nil agg, or one they may inspect only for its type.
type Validator interface {
	Validate(cmd Command, agg *Aggregate) ValidationReport
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(cmd Command, agg *Aggregate) ValidationReport

func (f ValidatorFunc) Validate(cmd Command, agg *Aggregate) ValidationReport { return f(cmd, agg) }

// Authorizer decides whether principal may apply cmd to agg.
type Authorizer interface {
	Authorize(agg *Aggregate, cmd Command, principal Principal) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(agg *Aggregate, cmd Command, principal Principal) bool

func (f AuthorizerFunc) Authorize(agg *Aggregate, cmd Command, principal Principal) bool {
	return f(agg, cmd, principal)
}

// AllowAll authorizes every command.
var AllowAll Authorizer = AuthorizerFunc(func(*Aggregate, Command, Principal) bool { return true })
