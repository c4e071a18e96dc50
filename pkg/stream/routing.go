/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaolacci/murmur3"
)

// HashSeed is the murmur3 seed shared by all clients so that a routing key
// lands on the same partition whichever client publishes it.
const HashSeed uint32 = 104729

// DefaultRouteCacheSize bounds the routes cached by KeyRoutingStrategy.
const DefaultRouteCacheSize = 1000

// ErrNoRoute is returned when a routing key matches no partition.
var ErrNoRoute = errors.New("no partition for routing key")

// RoutingStrategy picks the partitions a message goes to.
type RoutingStrategy interface {
	Route(ctx context.Context, routingKey string, partitions []string) ([]string, error)
}

// routeFunc asks the broker which partitions a key is bound to.
type routeFunc func(ctx context.Context, routingKey string) ([]string, error)

// routeBinder is implemented by strategies that need the broker.
type routeBinder interface {
	bind(route routeFunc) error
}

// HashRoutingStrategy sends each key to one partition chosen by the
// murmur3 hash of the key modulo the partition count.
type HashRoutingStrategy struct{}

// NewHashRoutingStrategy returns the default strategy.
func NewHashRoutingStrategy() *HashRoutingStrategy {
	return &HashRoutingStrategy{}
}

func (*HashRoutingStrategy) Route(_ context.Context, routingKey string, partitions []string) ([]string, error) {
	if len(partitions) == 0 {
		return nil, ErrNoRoute
	}
	h := murmur3.Sum32WithSeed([]byte(routingKey), HashSeed)
	return []string{partitions[h%uint32(len(partitions))]}, nil
}

// KeyRoutingStrategy resolves keys with the broker bindings of the super
// stream. Resolved routes are cached. A strategy serves one super stream
// producer.
type KeyRoutingStrategy struct {
	mu    sync.Mutex
	route routeFunc
	cache *lru.Cache[string, []string]
}

// NewKeyRoutingStrategy returns a strategy caching up to cacheSize routes.
// A size below 1 uses DefaultRouteCacheSize.
func NewKeyRoutingStrategy(cacheSize int) *KeyRoutingStrategy {
	if cacheSize < 1 {
		cacheSize = DefaultRouteCacheSize
	}
	cache, _ := lru.New[string, []string](cacheSize)
	return &KeyRoutingStrategy{cache: cache}
}

func (s *KeyRoutingStrategy) bind(route routeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.route != nil {
		return fmt.Errorf("%w: key routing strategy is already bound to a super stream", ErrInvalidOptions)
	}
	s.route = route
	return nil
}

func (s *KeyRoutingStrategy) Route(ctx context.Context, routingKey string, _ []string) ([]string, error) {
	if routes, ok := s.cache.Get(routingKey); ok {
		return routes, nil
	}
	s.mu.Lock()
	route := s.route
	s.mu.Unlock()
	if route == nil {
		return nil, fmt.Errorf("%w: key routing strategy is not bound to a super stream", ErrInvalidOptions)
	}
	routes, err := route(ctx, routingKey)
	if err != nil {
		return nil, err
	}
	if len(routes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoRoute, routingKey)
	}
	s.cache.Add(routingKey, routes)
	return routes, nil
}
