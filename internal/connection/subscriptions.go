package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/exchange-stream/internal/storage"
)

// registry persists subscriptions in a storage.Store, keyed by subscription
// id, in registration order.
type registry struct {
	store storage.Store
}

func (r registry) add(ctx context.Context, sub Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	if err := r.store.Put(ctx, sub.ID, data); err != nil {
		return fmt.Errorf("store subscription: %w", err)
	}
	return nil
}

func (r registry) remove(ctx context.Context, id string) (Subscription, error) {
	data, err := r.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return Subscription{}, ErrUnknownSubscription
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("load subscription: %w", err)
	}

	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription %s: %w", id, err)
	}

	if err := r.store.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Subscription{}, ErrUnknownSubscription
		}
		return Subscription{}, fmt.Errorf("delete subscription: %w", err)
	}
	return sub, nil
}

// list returns subscriptions in registration order.
func (r registry) list(ctx context.Context) ([]Subscription, error) {
	entries, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	subs := make([]Subscription, 0, len(entries))
	for _, e := range entries {
		var sub Subscription
		if err := json.Unmarshal(e.Value, &sub); err != nil {
			return nil, fmt.Errorf("decode subscription %s: %w", e.Key, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (r registry) len() int {
	return r.store.Len()
}

func controlFor(op string, sub Subscription) controlFrame {
	return controlFrame{
		Op: op,
		Args: subscriptionArgs{
			ID:      sub.ID,
			Channel: sub.Channel,
			Params:  sub.Params,
		},
	}
}
