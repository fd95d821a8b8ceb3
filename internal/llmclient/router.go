package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/council-cli/api/schemas"
)

// RoleRouter implements the schemas.RoleClient interface. It resolves a
// council seat to the configured model client and forwards the call. Seats
// without an explicit mapping fall back to the default model.
type RoleRouter struct {
	logger     *zap.Logger
	defaultKey string
	roles      map[string]string
	clients    map[string]schemas.LLMClient
}

// NewRoleRouter creates a router over pre-built model clients. The default
// model must have a client; every mapped role must route to one.
func NewRoleRouter(logger *zap.Logger, defaultKey string, roles map[string]string, clients map[string]schemas.LLMClient) (*RoleRouter, error) {
	if _, ok := clients[defaultKey]; !ok {
		return nil, fmt.Errorf("no client built for default model %q", defaultKey)
	}
	for role, key := range roles {
		if _, ok := clients[key]; !ok {
			return nil, fmt.Errorf("role %q routes to model %q which has no client", role, key)
		}
	}

	return &RoleRouter{
		logger:     logger.Named("llm_router"),
		defaultKey: defaultKey,
		roles:      roles,
		clients:    clients,
	}, nil
}

// Call resolves the role's model and invokes it.
func (r *RoleRouter) Call(ctx context.Context, role schemas.Role, systemPrompt, userPrompt string) (string, error) {
	key, ok := r.roles[string(role)]
	if !ok {
		key = r.defaultKey
	}
	client := r.clients[key]

	r.logger.Debug("Routing LLM request",
		zap.String("role", string(role)),
		zap.String("model", key))

	return client.Generate(ctx, schemas.GenerationRequest{
		Role:         role,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
	})
}
