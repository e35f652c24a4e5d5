package entitlements

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Resolver maps a subscription id to feature entitlements
type Resolver interface {
	FeaturesForSubscription(ctx context.Context, subscriptionID string) (map[string]bool, error)
	ProductIDForSubscription(ctx context.Context, subscriptionID string) (string, error)
}

// DefaultFeatures is the entitlement set for deployments without a
// subscription (open-source mode, or organizations predating billing).
var DefaultFeatures = map[string]bool{
	"feat:workspaces": true,
	"feat:sso":        true,
}

const cacheSize = 1024

type plan struct {
	ProductID string
	Features  map[string]bool
}

// PostgresResolver resolves entitlements from the subscription_plans table,
// front-loaded by an LRU cache. Plan rows change rarely; the cache is only
// dropped on process restart.
type PostgresResolver struct {
	db    *sql.DB
	cache *lru.Cache[string, plan]
}

// NewPostgresResolver creates a new resolver
func NewPostgresResolver(db *sql.DB) (*PostgresResolver, error) {
	cache, err := lru.New[string, plan](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create entitlement cache: %w", err)
	}
	return &PostgresResolver{db: db, cache: cache}, nil
}

// EnsureSchema creates the subscription_plans table if it doesn't exist
func (r *PostgresResolver) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subscription_plans (
			subscription_id VARCHAR(255) PRIMARY KEY,
			product_id VARCHAR(255) NOT NULL DEFAULT '',
			features JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// FeaturesForSubscription returns the feature flags for a subscription
func (r *PostgresResolver) FeaturesForSubscription(ctx context.Context, subscriptionID string) (map[string]bool, error) {
	p, err := r.resolve(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return p.Features, nil
}

// ProductIDForSubscription returns the product id for a subscription
func (r *PostgresResolver) ProductIDForSubscription(ctx context.Context, subscriptionID string) (string, error) {
	p, err := r.resolve(ctx, subscriptionID)
	if err != nil {
		return "", err
	}
	return p.ProductID, nil
}

func (r *PostgresResolver) resolve(ctx context.Context, subscriptionID string) (plan, error) {
	if subscriptionID == "" {
		return plan{Features: DefaultFeatures}, nil
	}
	if cached, ok := r.cache.Get(subscriptionID); ok {
		return cached, nil
	}

	var p plan
	var featuresJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT product_id, features FROM subscription_plans WHERE subscription_id = $1
	`, subscriptionID).Scan(&p.ProductID, &featuresJSON)
	if err == sql.ErrNoRows {
		// Unknown subscription: fall back to defaults rather than failing the login.
		p = plan{Features: DefaultFeatures}
		r.cache.Add(subscriptionID, p)
		return p, nil
	}
	if err != nil {
		return plan{}, fmt.Errorf("failed to resolve subscription plan: %w", err)
	}
	if len(featuresJSON) > 0 {
		if err := json.Unmarshal(featuresJSON, &p.Features); err != nil {
			return plan{}, fmt.Errorf("failed to unmarshal plan features: %w", err)
		}
	}

	r.cache.Add(subscriptionID, p)
	return p, nil
}

// StaticResolver serves a fixed plan table from memory. Used in tests and in
// deployments without billing.
type StaticResolver struct {
	Plans map[string]struct {
		ProductID string
		Features  map[string]bool
	}
}

// FeaturesForSubscription returns the feature flags for a subscription
func (s *StaticResolver) FeaturesForSubscription(_ context.Context, subscriptionID string) (map[string]bool, error) {
	if p, ok := s.Plans[subscriptionID]; ok {
		return p.Features, nil
	}
	return DefaultFeatures, nil
}

// ProductIDForSubscription returns the product id for a subscription
func (s *StaticResolver) ProductIDForSubscription(_ context.Context, subscriptionID string) (string, error) {
	if p, ok := s.Plans[subscriptionID]; ok {
		return p.ProductID, nil
	}
	return "", nil
}
