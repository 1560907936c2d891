package engine

import (
	"context"

	"github.com/ankisho/TeamCloud/pkg/workflow"
)

// Activity names registered on the host.
const (
	ActivityProjectGet           = "ProjectGetActivity"
	ActivityProjectAdd           = "ProjectCreateActivity"
	ActivityProjectSet           = "ProjectSetActivity"
	ActivityProjectRemove        = "ProjectDeleteActivity"
	ActivityProjectUsersCleanup  = "ProjectUsersCleanupActivity"
	ActivityProvidersResolve     = "ProvidersResolveActivity"
	ActivityCallbackURLGet       = "CallbackUrlGetActivity"
	ActivityCallbackInvalidate   = "CallbackInvalidateActivity"
	ActivityCommandSend          = "CommandSendActivity"
	ActivityCommandResultAugment = "CommandResultAugmentActivity"
)

func (o *Orchestrator) registerActivities() {
	h := o.host

	h.RegisterActivity(ActivityProjectGet, workflow.ActivityOf(func(ctx context.Context, id string) (*Project, error) {
		return o.projects.GetProject(ctx, id)
	}))
	h.RegisterActivity(ActivityProjectAdd, workflow.ActivityOf(func(ctx context.Context, p *Project) (*Project, error) {
		return o.projects.AddProject(ctx, p)
	}))
	h.RegisterActivity(ActivityProjectSet, workflow.ActivityOf(func(ctx context.Context, p *Project) (*Project, error) {
		return o.projects.SetProject(ctx, p)
	}))
	h.RegisterActivity(ActivityProjectRemove, workflow.ActivityOf(func(ctx context.Context, id string) (*Project, error) {
		return o.projects.RemoveProject(ctx, id)
	}))
	h.RegisterActivity(ActivityProjectUsersCleanup, workflow.ActivityOf(func(ctx context.Context, id string) (struct{}, error) {
		return struct{}{}, o.users.RemoveProjectMemberships(ctx, id)
	}))
	h.RegisterActivity(ActivityProvidersResolve, workflow.ActivityOf(func(ctx context.Context, p *Project) ([]Provider, error) {
		return o.catalog.ProvidersFor(ctx, p)
	}))

	h.RegisterActivity(ActivityCallbackURLGet, workflow.ActivityOf(func(ctx context.Context, req callbackRequest) (string, error) {
		return o.callbacks.AcquireCallbackURL(ctx, req.InstanceID, &req.Command)
	}))
	h.RegisterActivity(ActivityCallbackInvalidate, workflow.ActivityOf(func(ctx context.Context, instanceID string) (struct{}, error) {
		return struct{}{}, o.callbacks.InvalidateCallback(ctx, instanceID)
	}))

	h.RegisterActivity(ActivityCommandSend, workflow.ActivityOf(func(ctx context.Context, req sendRequest) (*CommandResult, error) {
		result, err := o.transport.Send(ctx, req.Provider, &req.Command)
		if err != nil {
			return nil, err
		}
		_ = o.events.PublishProviderDispatched(req.Command.CommandID, req.InstanceID, req.Provider.ID, result == nil)
		return result, nil
	}))
	h.RegisterActivity(ActivityCommandResultAugment, workflow.ActivityOf(func(ctx context.Context, req augmentRequest) (*CommandResult, error) {
		return AugmentResult(ctx, o.host, req.InstanceID, req.Result, o.logger.Zerolog()), nil
	}))
}
