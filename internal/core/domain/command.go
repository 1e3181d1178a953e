package domain

import (
	"encoding/json"
	"fmt"
)

// Principal is the identity on whose behalf a command is issued.
type Principal struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles,omitempty"`
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Command is a request to change an aggregate's state.
type Command struct {
	Type string `json:"type"`

	// ETag is the idempotency token. Events recorded by the command carry it,
	// and a later command with the same token is a no-op.
	ETag string `json:"etag,omitempty"`

	// RequiredVersion, when set, must equal the aggregate version at apply time.
	RequiredVersion *int64 `json:"required_version,omitempty"`

	Principal Principal       `json:"principal"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewCommand builds a command with payload marshaled to JSON.
func NewCommand(commandType string, payload interface{}) (Command, error) {
	cmd := Command{Type: commandType}
	if payload == nil {
		return cmd, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("marshal %s payload: %w", commandType, err)
	}
	cmd.Payload = b
	return cmd, nil
}

// Decode unmarshals the command payload into v.
func (c Command) Decode(v interface{}) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.Type, err)
	}
	return nil
}

// PayloadMap decodes the payload as a generic JSON object.
func (c Command) PayloadMap() (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if err := c.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}
