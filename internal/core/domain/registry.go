package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Enactor records the events that carry out a command.
type Enactor func(ctx context.Context, agg *Aggregate, cmd Command) error

// ValidationFailureHandler receives state-validation failures instead of the command being enacted.
// Returning nil swallows the failure; returning an error surfaces it.
type ValidationFailureHandler func(ctx context.Context, agg *Aggregate, cmd Command, failure *ValidationFailure) error

// CommandHandler describes how one command type is handled for one aggregate type.
type CommandHandler struct {
	// Validate checks the command alone. Optional.
	Validate Validator
	// ValidateState checks the command against the aggregate. Optional.
	ValidateState Validator
	// Enact records events. Required.
	Enact Enactor
	// OnValidationFailure handles state-validation failures. Optional.
	OnValidationFailure ValidationFailureHandler
	// Constructor marks commands that create the aggregate.
	Constructor bool
}

// AggregateType registers the state factory and command handlers of one aggregate type.
type AggregateType struct {
	Name     string
	NewState func() State
	Commands map[string]CommandHandler
	// Authorizer overrides the registry-wide authorizer for this type. Optional.
	Authorizer Authorizer
}

// Registry maps (aggregate type, command type) to handlers. It is populated at
// startup and read concurrently afterwards.
type Registry struct {
	mu         sync.RWMutex
	types      map[string]AggregateType
	authorizer Authorizer
	validator  Validator
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAuthorizer sets the default authorization predicate.
func WithAuthorizer(a Authorizer) RegistryOption {
	return func(r *Registry) { r.authorizer = a }
}

// WithCommandValidator sets an intrinsic validator run for every command before the handler's own.
func WithCommandValidator(v Validator) RegistryOption {
	return func(r *Registry) { r.validator = v }
}

// NewRegistry creates an empty registry. Commands are authorized unconditionally
// unless an authorizer is configured.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		types:      make(map[string]AggregateType),
		authorizer: AllowAll,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an aggregate type. Invalid or duplicate registrations are configuration errors.
func (r *Registry) Register(t AggregateType) error {
	if t.Name == "" {
		return fmt.Errorf("%w: aggregate type name is required", ErrConfiguration)
	}
	if t.NewState == nil {
		return fmt.Errorf("%w: aggregate type %s has no state factory", ErrConfiguration, t.Name)
	}
	for name, h := range t.Commands {
		if h.Enact == nil {
			return fmt.Errorf("%w: command %s.%s has no enactor", ErrConfiguration, t.Name, name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("%w: aggregate type %s already registered", ErrConfiguration, t.Name)
	}
	r.types[t.Name] = t
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(t AggregateType) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Type looks up a registered aggregate type.
func (r *Registry) Type(name string) (AggregateType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	if !ok {
		return AggregateType{}, fmt.Errorf("%w: %s", ErrUnknownAggregateType, name)
	}
	return t, nil
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler looks up the handler for a command against an aggregate type.
func (r *Registry) Handler(aggregateType, commandType string) (CommandHandler, error) {
	t, err := r.Type(aggregateType)
	if err != nil {
		return CommandHandler{}, err
	}
	h, ok := t.Commands[commandType]
	if !ok {
		return CommandHandler{}, fmt.Errorf("%w: %s.%s", ErrUnknownCommand, aggregateType, commandType)
	}
	return h, nil
}

// IsConstructor reports whether commandType creates aggregates of aggregateType.
func (r *Registry) IsConstructor(aggregateType, commandType string) bool {
	h, err := r.Handler(aggregateType, commandType)
	return err == nil && h.Constructor
}

// New creates a fresh aggregate of the given type.
func (r *Registry) New(aggregateType, id string) (*Aggregate, error) {
	t, err := r.Type(aggregateType)
	if err != nil {
		return nil, err
	}
	return NewAggregate(t.Name, id, t.NewState()), nil
}

// Rehydrate rebuilds an aggregate of the given type from its history.
func (r *Registry) Rehydrate(aggregateType, id string, history []Event) (*Aggregate, error) {
	t, err := r.Type(aggregateType)
	if err != nil {
		return nil, err
	}
	return Rehydrate(t.Name, id, t.NewState(), history)
}

func (r *Registry) authorizerFor(t AggregateType) Authorizer {
	if t.Authorizer != nil {
		return t.Authorizer
	}
	return r.authorizer
}
