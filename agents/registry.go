package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"uaef.dev/common"
	"uaef.dev/config"
	"uaef.dev/ledger"
	"uaef.dev/security"
	"uaef.dev/store"
)

// RegisterInput describes a new agent.
type RegisterInput struct {
	Name          string
	Description   string
	Platform      string
	EndpointURL   string
	Capabilities  []string
	Configuration map[string]interface{}
	Model         string
	SystemPrompt  string
	Tools         []interface{}
	OwnerID       string
}

// ListFilter narrows agent listings. Zero values match everything.
type ListFilter struct {
	Status     string
	Platform   string
	Capability string
}

// Registry manages agent registration and lifecycle. Registrations are
// recorded in the trust ledger.
type Registry struct {
	store  *store.Store
	cfg    config.AgentConfig
	hash   *security.HashService
	events *ledger.EventService
}

// NewRegistry builds a Registry on the shared store.
func NewRegistry(s *store.Store, cfg config.AgentConfig) *Registry {
	return &Registry{
		store:  s,
		cfg:    cfg,
		hash:   security.NewHashService(),
		events: ledger.NewEventService(s),
	}
}

// Register creates an agent and issues its API key. The plaintext key is
// returned exactly once; only its hash is persisted.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*Agent, string, error) {
	if in.Name == "" {
		return nil, "", fmt.Errorf("agent name is required")
	}
	platform := in.Platform
	if platform == "" {
		platform = PlatformClaude
	}
	model := in.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}

	apiKey, err := security.GenerateAPIKey()
	if err != nil {
		return nil, "", err
	}
	id, err := security.GenerateEventID()
	if err != nil {
		return nil, "", err
	}

	agent := &Agent{
		ID:            id,
		Name:          in.Name,
		Description:   in.Description,
		Platform:      platform,
		EndpointURL:   in.EndpointURL,
		Status:        StatusRegistered,
		Capabilities:  store.StringList(in.Capabilities),
		Configuration: store.JSONMap(in.Configuration),
		Metadata:      store.JSONMap{},
		Model:         model,
		SystemPrompt:  in.SystemPrompt,
		Tools:         store.JSONList(in.Tools),
		OwnerID:       in.OwnerID,
		APIKeyHash:    r.hash.Hash(apiKey),
	}
	if agent.Capabilities == nil {
		agent.Capabilities = store.StringList{}
	}
	if agent.Configuration == nil {
		agent.Configuration = store.JSONMap{}
	}
	if agent.Tools == nil {
		agent.Tools = store.JSONList{}
	}

	if err := r.store.DB.WithContext(ctx).Create(agent).Error; err != nil {
		return nil, "", fmt.Errorf("agent registration failed: %w", err)
	}

	capabilities := make([]interface{}, len(in.Capabilities))
	for i, c := range in.Capabilities {
		capabilities[i] = c
	}
	if _, err := r.events.RecordEvent(ctx, ledger.EventInput{
		Type: ledger.EventAgentRegistered,
		Payload: map[string]interface{}{
			"agent_name":   in.Name,
			"platform":     platform,
			"capabilities": capabilities,
		},
		AgentID: agent.ID,
	}); err != nil {
		return nil, "", err
	}

	common.Logger.WithFields(logrus.Fields{
		"agent_id": agent.ID,
		"name":     in.Name,
		"platform": platform,
	}).Info("agent registered")

	return agent, apiKey, nil
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	err := r.store.DB.WithContext(ctx).First(&agent, "id = ?", agentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent %s: %w", agentID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// GetByName returns an agent by name.
func (r *Registry) GetByName(ctx context.Context, name string) (*Agent, error) {
	var agent Agent
	err := r.store.DB.WithContext(ctx).First(&agent, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("agent %s: %w", name, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

// List returns agents matching the filter, ordered by name. Capability
// filtering happens after the query since capabilities live in a JSON
// column.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]Agent, error) {
	query := r.store.DB.WithContext(ctx).Order("name")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Platform != "" {
		query = query.Where("platform = ?", filter.Platform)
	}

	var agents []Agent
	if err := query.Find(&agents).Error; err != nil {
		return nil, err
	}

	if filter.Capability == "" {
		return agents, nil
	}
	matched := agents[:0]
	for _, agent := range agents {
		for _, c := range agent.Capabilities {
			if c == filter.Capability {
				matched = append(matched, agent)
				break
			}
		}
	}
	return matched, nil
}

// Activate makes an agent eligible for task assignment.
func (r *Registry) Activate(ctx context.Context, agentID string) (*Agent, error) {
	return r.UpdateStatus(ctx, agentID, StatusActive)
}

// Deactivate removes an agent from service.
func (r *Registry) Deactivate(ctx context.Context, agentID string) (*Agent, error) {
	return r.UpdateStatus(ctx, agentID, StatusDeactivated)
}

// UpdateStatus sets an agent's status.
func (r *Registry) UpdateStatus(ctx context.Context, agentID, status string) (*Agent, error) {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	agent.Status = status
	if err := r.store.DB.WithContext(ctx).Save(agent).Error; err != nil {
		return nil, err
	}

	common.Logger.WithFields(logrus.Fields{
		"agent_id": agentID,
		"status":   status,
	}).Info("agent status updated")

	return agent, nil
}

// UpdateMetrics bumps an agent's task counters after a completed or failed
// task.
func (r *Registry) UpdateMetrics(ctx context.Context, agentID string, success bool) error {
	updates := map[string]interface{}{
		"total_tasks": gorm.Expr("total_tasks + 1"),
	}
	if success {
		updates["successful_tasks"] = gorm.Expr("successful_tasks + 1")
	} else {
		updates["failed_tasks"] = gorm.Expr("failed_tasks + 1")
	}
	return r.store.DB.WithContext(ctx).
		Model(&Agent{}).
		Where("id = ?", agentID).
		Updates(updates).Error
}

// VerifyAPIKey checks a presented key against the agent's stored hash in
// constant time.
func (r *Registry) VerifyAPIKey(ctx context.Context, agentID, apiKey string) (bool, error) {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if agent.APIKeyHash == "" {
		return false, nil
	}
	return security.VerifyKeyHash(agent.APIKeyHash, r.hash.Hash(apiKey)), nil
}

// FindAvailable returns the first active agent matching the platform and
// capability, or a not-found error.
func (r *Registry) FindAvailable(ctx context.Context, platform, capability string) (*Agent, error) {
	if platform == "" {
		platform = PlatformClaude
	}
	agents, err := r.List(ctx, ListFilter{
		Status:     StatusActive,
		Platform:   platform,
		Capability: capability,
	})
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no available %s agent with capability %q: %w", platform, capability, store.ErrNotFound)
	}
	return &agents[0], nil
}
