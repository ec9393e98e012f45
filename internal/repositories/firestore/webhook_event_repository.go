package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/aurelia-jewels/api/internal/domain"
	pfirestore "github.com/aurelia-jewels/api/internal/platform/firestore"
	"github.com/aurelia-jewels/api/internal/repositories"
)

const webhookEventCollection = "webhookEvents"

// WebhookEventRepository stores provider callbacks keyed by (provider, event id)
// so a retried delivery collides with the first one.
type WebhookEventRepository struct {
	base     *pfirestore.BaseRepository[webhookEventDocument]
	provider *pfirestore.Provider
}

// NewWebhookEventRepository constructs a Firestore-backed webhook event repository.
func NewWebhookEventRepository(provider *pfirestore.Provider) (*WebhookEventRepository, error) {
	if provider == nil {
		return nil, errors.New("webhook event repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[webhookEventDocument](provider, webhookEventCollection, nil, nil)
	return &WebhookEventRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Insert records the event. A duplicate (provider, event id) pair surfaces as
// a conflict RepositoryError, which callers treat as "already handled".
func (r *WebhookEventRepository) Insert(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, error) {
	if r == nil || r.base == nil {
		return domain.WebhookEvent{}, errors.New("webhook event repository not initialised")
	}
	provider := strings.ToLower(strings.TrimSpace(event.Provider))
	providerEventID := strings.TrimSpace(event.EventID)
	if provider == "" || providerEventID == "" {
		return domain.WebhookEvent{}, errors.New("webhook event repository: provider and event id are required")
	}

	docID := webhookEventDocID(provider, providerEventID)
	receivedAt := event.ReceivedAt.UTC()
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	doc := webhookEventDocument{
		Provider:   provider,
		EventID:    providerEventID,
		EventType:  strings.TrimSpace(event.EventType),
		Payload:    cloneAnyMap(event.Payload),
		ReceivedAt: receivedAt,
	}
	if event.ProcessedAt != nil {
		t := event.ProcessedAt.UTC()
		doc.ProcessedAt = &t
	}

	ref, err := r.base.DocumentRef(ctx, docID)
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	if _, err := ref.Create(ctx, doc); err != nil {
		return domain.WebhookEvent{}, pfirestore.WrapError("firestore.webhook_events.insert", err)
	}

	saved := event
	saved.ID = docID
	saved.Provider = provider
	saved.EventID = providerEventID
	saved.ReceivedAt = receivedAt
	return saved, nil
}

// MarkProcessed stamps the event with the processing time.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, eventID string, processedAt time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("webhook event repository not initialised")
	}
	id := strings.TrimSpace(eventID)
	if id == "" {
		return errors.New("webhook event repository: event id is required")
	}
	_, err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "processedAt", Value: processedAt.UTC()},
	})
	return err
}

// FindByProviderEvent loads a stored event by its provider identity.
func (r *WebhookEventRepository) FindByProviderEvent(ctx context.Context, provider string, providerEventID string) (domain.WebhookEvent, error) {
	if r == nil || r.base == nil {
		return domain.WebhookEvent{}, errors.New("webhook event repository not initialised")
	}
	key := strings.ToLower(strings.TrimSpace(provider))
	eventID := strings.TrimSpace(providerEventID)
	if key == "" || eventID == "" {
		return domain.WebhookEvent{}, pfirestore.WrapError("firestore.webhook_events.find",
			status.Error(codes.NotFound, "webhook event identity is required"))
	}

	doc, err := r.base.Get(ctx, webhookEventDocID(key, eventID))
	if err != nil {
		return domain.WebhookEvent{}, err
	}

	event := domain.WebhookEvent{
		ID:         doc.ID,
		Provider:   doc.Data.Provider,
		EventID:    doc.Data.EventID,
		EventType:  doc.Data.EventType,
		Payload:    cloneAnyMap(doc.Data.Payload),
		ReceivedAt: doc.Data.ReceivedAt,
	}
	if doc.Data.ProcessedAt != nil {
		t := *doc.Data.ProcessedAt
		event.ProcessedAt = &t
	}
	return event, nil
}

func webhookEventDocID(provider, eventID string) string {
	return fmt.Sprintf("%s_%s", provider, eventID)
}

type webhookEventDocument struct {
	Provider    string         `firestore:"provider"`
	EventID     string         `firestore:"eventId"`
	EventType   string         `firestore:"eventType,omitempty"`
	Payload     map[string]any `firestore:"payload,omitempty"`
	ReceivedAt  time.Time      `firestore:"receivedAt"`
	ProcessedAt *time.Time     `firestore:"processedAt,omitempty"`
}

var _ repositories.WebhookEventRepository = (*WebhookEventRepository)(nil)
