package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/decomontenegro/baas-platform-sub000/pkg/llm"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// Dispatcher sends a completion to one concrete provider endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, provider *models.Provider, credential *models.Credential, req llm.Request) (*llm.Response, error)
}

// clientDispatcher builds and caches one llm.Client per (provider,
// credential) pair, picking the wire dialect from the provider record.
type clientDispatcher struct {
	mu      sync.Mutex
	clients map[string]llm.Client
}

func newClientDispatcher() *clientDispatcher {
	return &clientDispatcher{clients: make(map[string]llm.Client)}
}

func (d *clientDispatcher) Dispatch(ctx context.Context, provider *models.Provider, credential *models.Credential, req llm.Request) (*llm.Response, error) {
	client, err := d.client(provider, credential)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, req)
}

func (d *clientDispatcher) client(provider *models.Provider, credential *models.Credential) (llm.Client, error) {
	key := provider.ID
	apiKey := ""
	if credential != nil {
		key += ":" + credential.ID
		apiKey = credential.Secret
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if client, ok := d.clients[key]; ok {
		return client, nil
	}

	client, err := llm.NewClient(llm.ClientConfig{
		Vendor: vendorFor(provider),
		APIKey: apiKey,
		APIURL: provider.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	d.clients[key] = client
	return client, nil
}

// vendorFor infers the wire dialect. Subscription sessions sit behind an
// OpenAI-compatible gateway; vendor APIs are recognized by model naming.
func vendorFor(provider *models.Provider) string {
	if provider.Type == models.ProviderSubscriptionSession {
		return "openai"
	}
	lower := strings.ToLower(provider.Model + " " + provider.Name)
	if strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic") {
		return "anthropic"
	}
	return "openai"
}
