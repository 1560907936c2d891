package engine

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// CallbackManager issues and revokes the per-instance credential providers
// use to deliver asynchronous results.
type CallbackManager struct {
	keys    KeyAdmin
	hostURL string
}

// NewCallbackManager creates a manager that composes callback URLs under hostURL.
func NewCallbackManager(keys KeyAdmin, hostURL string) *CallbackManager {
	return &CallbackManager{
		keys:    keys,
		hostURL: strings.TrimRight(hostURL, "/"),
	}
}

// AcquireCallbackURL returns the callback URL for a command dispatched by
// instanceID, creating the instance key if none exists yet.
func (m *CallbackManager) AcquireCallbackURL(ctx context.Context, instanceID string, command *Command) (string, error) {
	if instanceID == "" || command == nil || command.CommandID == "" {
		return "", NewValidationError("instance id and command id are required", nil)
	}

	key, err := m.keys.GetKey(ctx, instanceID)
	if err != nil {
		return "", NewEngineCommunicationError("failed to look up callback key", err).WithEntity(instanceID)
	}
	if key == "" {
		key, err = m.keys.CreateKey(ctx, instanceID)
		if err != nil {
			return "", NewEngineCommunicationError("failed to create callback key", err).WithEntity(instanceID)
		}
	}
	if key == "" {
		return "", NewEngineCommunicationError("callback key issuance returned an empty key", nil).WithEntity(instanceID)
	}

	return CallbackURL(m.hostURL, instanceID, command.CommandID, key), nil
}

// InvalidateCallback revokes the instance key. A failed delete is only
// reported when the key is still present afterwards.
func (m *CallbackManager) InvalidateCallback(ctx context.Context, instanceID string) error {
	err := m.keys.DeleteKey(ctx, instanceID)
	if err == nil {
		return nil
	}

	key, lookupErr := m.keys.GetKey(ctx, instanceID)
	if lookupErr == nil && key == "" {
		return nil
	}
	return NewEngineCommunicationError("failed to invalidate callback key", err).WithEntity(instanceID)
}

// CallbackURL composes {hostURL}/callback/{instanceID}/{eventName}?code={key}.
func CallbackURL(hostURL, instanceID, eventName, key string) string {
	return fmt.Sprintf("%s/callback/%s/%s?code=%s",
		strings.TrimRight(hostURL, "/"),
		url.PathEscape(instanceID),
		url.PathEscape(eventName),
		url.QueryEscape(key))
}
