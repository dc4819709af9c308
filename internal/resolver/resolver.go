// Package resolver turns the indirect references carried by activities
// (survey without a published timestamp, schema without a revision,
// compound activity defined only by name) into concrete immutable
// versions, memoizing lookups within a single generation pass.
package resolver

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/studykit/scheduler/internal/metrics"
	"github.com/studykit/scheduler/internal/models"
)

// SurveyService looks up the most recently published version of a survey.
// The boolean is false when the survey has no published version; that is
// an expected state, not an error.
type SurveyService interface {
	GetMostRecentlyPublishedVersion(ctx context.Context, studyID, surveyGuid string) (models.SurveyVersion, bool, error)
}

// SchemaService looks up the latest schema revision compatible with the
// caller's declared client version.
type SchemaService interface {
	GetLatestRevisionForAppVersion(ctx context.Context, studyID, schemaID string, client models.ClientInfo) (int, bool, error)
}

// CompoundActivityDefinitionService looks up a named compound-activity
// definition by task identifier.
type CompoundActivityDefinitionService interface {
	GetDefinition(ctx context.Context, studyID, taskID string) (models.CompoundActivity, bool, error)
}

// Resolver resolves activity references against the backing lookup
// services.
type Resolver struct {
	surveys   SurveyService
	schemas   SchemaService
	compounds CompoundActivityDefinitionService
	logger    *zap.Logger
}

// New creates a resolver over the given lookup services.
func New(surveys SurveyService, schemas SchemaService, compounds CompoundActivityDefinitionService, logger *zap.Logger) *Resolver {
	return &Resolver{
		surveys:   surveys,
		schemas:   schemas,
		compounds: compounds,
		logger:    logger,
	}
}

// Pass holds the memo caches for one generation pass. Caches are scoped
// strictly to the pass and discarded with it; nothing is kept between
// top-level calls.
type Pass struct {
	r             *Resolver
	studyID       string
	client        models.ClientInfo
	surveyCache   map[string]models.SurveyReference
	schemaCache   map[string]models.SchemaReference
	compoundCache map[string]models.CompoundActivity
}

// NewPass starts a generation pass for one study and client.
func (r *Resolver) NewPass(studyID string, client models.ClientInfo) *Pass {
	return &Pass{
		r:             r,
		studyID:       studyID,
		client:        client,
		surveyCache:   make(map[string]models.SurveyReference),
		schemaCache:   make(map[string]models.SchemaReference),
		compoundCache: make(map[string]models.CompoundActivity),
	}
}

// Resolve returns the activity with every indirect reference replaced by
// a concrete version. The input is returned unchanged when nothing
// needed resolving, so downstream equality checks stay cheap.
func (p *Pass) Resolve(ctx context.Context, activity models.Activity) (models.Activity, error) {
	switch activity.Type {
	case models.ActivityTypeCompound:
		if activity.Compound == nil {
			return activity, nil
		}
		resolved, changed, err := p.resolveCompound(ctx, *activity.Compound)
		if err != nil {
			return activity, err
		}
		if changed {
			return activity.WithCompound(resolved), nil
		}

	case models.ActivityTypeSurvey:
		if activity.Survey == nil {
			return activity, nil
		}
		resolved, err := p.resolveSurvey(ctx, *activity.Survey)
		if err != nil {
			return activity, err
		}
		if !resolved.Equal(*activity.Survey) {
			return activity.WithSurvey(resolved), nil
		}

	case models.ActivityTypeTask:
		if activity.Task == nil || activity.Task.Schema == nil {
			return activity, nil
		}
		resolved, err := p.resolveSchema(ctx, *activity.Task.Schema)
		if err != nil {
			return activity, err
		}
		if !resolved.Equal(*activity.Task.Schema) {
			ref := models.TaskReference{Identifier: activity.Task.Identifier, Schema: &resolved}
			return activity.WithTask(ref), nil
		}
	}
	return activity, nil
}

// resolveCompound substitutes a bare reference with its named definition,
// then resolves every schema and survey entry in the (possibly
// substituted) lists.
func (p *Pass) resolveCompound(ctx context.Context, compound models.CompoundActivity) (models.CompoundActivity, bool, error) {
	taskID := compound.TaskIdentifier
	if cached, ok := p.compoundCache[taskID]; ok {
		metrics.ResolverCacheHits.WithLabelValues("compound").Inc()
		return cached, true, nil
	}

	resolved := compound
	if compound.IsReference() {
		definition, found, err := p.r.compounds.GetDefinition(ctx, p.studyID, taskID)
		if err != nil {
			return compound, false, fmt.Errorf("compound activity definition %q: %w", taskID, err)
		}
		if !found {
			return compound, false, fmt.Errorf("%w: compound activity definition %q", models.ErrNotFound, taskID)
		}
		metrics.ResolverLookups.WithLabelValues("compound").Inc()
		resolved = definition
	}

	resolved, changed, err := p.resolveCompoundLists(ctx, resolved)
	if err != nil {
		return compound, false, err
	}
	p.compoundCache[taskID] = resolved
	return resolved, changed || compound.IsReference(), nil
}

func (p *Pass) resolveCompoundLists(ctx context.Context, compound models.CompoundActivity) (models.CompoundActivity, bool, error) {
	modified := false

	schemaList := make([]models.SchemaReference, 0, len(compound.SchemaList))
	for _, ref := range compound.SchemaList {
		resolved, err := p.resolveSchema(ctx, ref)
		if err != nil {
			return compound, false, err
		}
		schemaList = append(schemaList, resolved)
		if !resolved.Equal(ref) {
			modified = true
		}
	}

	surveyList := make([]models.SurveyReference, 0, len(compound.SurveyList))
	for _, ref := range compound.SurveyList {
		resolved, err := p.resolveSurvey(ctx, ref)
		if err != nil {
			return compound, false, err
		}
		surveyList = append(surveyList, resolved)
		if !resolved.Equal(ref) {
			modified = true
		}
	}

	if !modified {
		return compound, false, nil
	}
	compound.SchemaList = schemaList
	compound.SurveyList = surveyList
	return compound, true, nil
}

func (p *Pass) resolveSchema(ctx context.Context, ref models.SchemaReference) (models.SchemaReference, error) {
	if ref.Revision != nil {
		return ref, nil
	}
	if cached, ok := p.schemaCache[ref.ID]; ok {
		metrics.ResolverCacheHits.WithLabelValues("schema").Inc()
		return cached, nil
	}

	revision, found, err := p.r.schemas.GetLatestRevisionForAppVersion(ctx, p.studyID, ref.ID, p.client)
	if err != nil {
		return ref, fmt.Errorf("schema %q: %w", ref.ID, err)
	}
	if !found {
		return ref, fmt.Errorf("%w: schema %q for app version %d", models.ErrNotFound, ref.ID, p.client.AppVersion)
	}
	metrics.ResolverLookups.WithLabelValues("schema").Inc()

	resolved := models.SchemaReference{ID: ref.ID, Revision: &revision}
	p.schemaCache[ref.ID] = resolved
	return resolved, nil
}

func (p *Pass) resolveSurvey(ctx context.Context, ref models.SurveyReference) (models.SurveyReference, error) {
	if ref.CreatedOn != nil {
		return ref, nil
	}
	if cached, ok := p.surveyCache[ref.Guid]; ok {
		metrics.ResolverCacheHits.WithLabelValues("survey").Inc()
		return cached, nil
	}

	version, found, err := p.r.surveys.GetMostRecentlyPublishedVersion(ctx, p.studyID, ref.Guid)
	if err != nil {
		return ref, fmt.Errorf("survey %q: %w", ref.Guid, err)
	}
	if !found {
		return ref, fmt.Errorf("%w: no published version of survey %q", models.ErrNotFound, ref.Guid)
	}
	metrics.ResolverLookups.WithLabelValues("survey").Inc()

	createdOn := version.CreatedOn
	resolved := models.SurveyReference{
		Identifier: version.Identifier,
		Guid:       ref.Guid,
		CreatedOn:  &createdOn,
	}
	p.surveyCache[ref.Guid] = resolved
	return resolved, nil
}
