package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/taskline/taskline/internal/database"
	"github.com/taskline/taskline/internal/platform"
)

// Sentinel errors for the non-retryable resolution outcomes. Callers log
// and skip the event rather than failing the job.
var (
	ErrNoIntegration        = errors.New("no integration resolvable for group")
	ErrAmbiguousIntegration = errors.New("multiple active integrations, cannot resolve group by fallback")
	ErrGroupUnavailable     = errors.New("group unavailable on platform")
)

// IntegrationResolver picks the owning integration for a group the system
// has never seen before. Injectable so multi-tenant deployments can swap
// the strategy.
type IntegrationResolver interface {
	ResolveFallback(ctx context.Context) (*database.Integration, error)
}

// SingleActiveFallback resolves first-contact groups to the single active
// integration. With zero active integrations it reports ErrNoIntegration;
// with more than one the mapping is ambiguous and the event is skipped.
// Known limitation for multi-tenant deployments.
type SingleActiveFallback struct {
	store  database.Store
	logger *slog.Logger
}

// NewSingleActiveFallback creates the default resolution strategy.
func NewSingleActiveFallback(store database.Store, logger *slog.Logger) *SingleActiveFallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &SingleActiveFallback{store: store, logger: logger.With("component", "integration_fallback")}
}

// ResolveFallback implements IntegrationResolver.
func (f *SingleActiveFallback) ResolveFallback(ctx context.Context) (*database.Integration, error) {
	integrations, err := f.store.ListActiveIntegrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations for fallback: %w", err)
	}
	switch len(integrations) {
	case 0:
		return nil, ErrNoIntegration
	case 1:
		return integrations[0], nil
	default:
		f.logger.WarnContext(ctx, "Fallback resolution ambiguous", "active_integrations", len(integrations))
		return nil, ErrAmbiguousIntegration
	}
}

// GroupResolver maps an external group id to its owning Integration and
// Group, lazily creating Group records on first contact.
type GroupResolver struct {
	store    database.Store
	client   platform.Client
	fallback IntegrationResolver
	logger   *slog.Logger
}

// NewGroupResolver creates a resolver with the given fallback strategy.
func NewGroupResolver(store database.Store, client platform.Client, fallback IntegrationResolver, logger *slog.Logger) *GroupResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupResolver{
		store:    store,
		client:   client,
		fallback: fallback,
		logger:   logger.With("component", "group_resolver"),
	}
}

// Resolve returns the integration and group for an external group id.
// An existing group mapping wins; otherwise the fallback strategy picks
// the integration and the group is created from platform metadata. The
// returned errors wrap the sentinel values above for the soft-skip paths.
func (r *GroupResolver) Resolve(ctx context.Context, externalGroupID string) (*database.Integration, *database.Group, error) {
	if externalGroupID == "" {
		return nil, nil, fmt.Errorf("%w: empty group id", ErrNoIntegration)
	}

	group, err := r.store.FindGroupByExternalID(ctx, externalGroupID)
	if err != nil {
		return nil, nil, err
	}
	if group != nil {
		integ, err := r.store.GetIntegrationByID(ctx, group.IntegrationID)
		if err != nil {
			return nil, nil, err
		}
		if integ == nil {
			return nil, nil, fmt.Errorf("%w: group %d references missing integration %d", ErrNoIntegration, group.ID, group.IntegrationID)
		}
		return integ, group, nil
	}

	integ, err := r.fallback.ResolveFallback(ctx)
	if err != nil {
		return nil, nil, err
	}
	// Fallback-resolved events are flagged distinctly so multi-tenant
	// misroutes are visible in the logs.
	r.logger.InfoContext(ctx, "Group resolved by fallback integration",
		"external_group_id", externalGroupID, "integration_id", integ.ID, "resolved_by", "fallback")

	group, err = r.ensureGroup(ctx, integ, externalGroupID)
	if err != nil {
		return nil, nil, err
	}
	return integ, group, nil
}

// ensureGroup creates the group under the integration, fetching metadata
// from the platform. Metadata retrieval failures degrade to a placeholder
// name; a platform that does not know the group at all makes it
// unavailable for this event.
func (r *GroupResolver) ensureGroup(ctx context.Context, integ *database.Integration, externalGroupID string) (*database.Group, error) {
	name := "Group " + externalGroupID
	memberCount := 0

	summary, err := r.client.GetGroupSummary(ctx, integ, externalGroupID)
	switch {
	case err != nil:
		r.logger.WarnContext(ctx, "Group metadata fetch failed, using placeholder name",
			"external_group_id", externalGroupID, "error", err)
	case summary == nil:
		r.logger.WarnContext(ctx, "Platform has no record of group",
			"external_group_id", externalGroupID)
		return nil, ErrGroupUnavailable
	case summary.GroupName != "":
		name = summary.GroupName
	}

	if count, err := r.client.GetGroupMemberCount(ctx, integ, externalGroupID); err != nil {
		r.logger.WarnContext(ctx, "Group member count fetch failed",
			"external_group_id", externalGroupID, "error", err)
	} else {
		memberCount = count
	}

	group := &database.Group{
		IntegrationID: integ.ID,
		ExternalID:    externalGroupID,
		Name:          name,
		MemberCount:   memberCount,
		Active:        true,
		AutoParse:     true,
	}
	return r.store.CreateGroupIfAbsent(ctx, group)
}
