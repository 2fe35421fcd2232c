package sharing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Built-in conflict resolution strategy names.
const (
	StrategyLastWriteWins   = "last-write-wins"
	StrategyFirstWriteWins  = "first-write-wins"
	StrategyOwnerPreference = "owner-preference"
	StrategyManual          = "manual"
	StrategyMerge           = "merge"
)

// ResolveOptions carries caller input for a strategy.
type ResolveOptions struct {
	ManualResolution json.RawMessage
}

// Strategy reconciles a shared context into the payload to adopt.
type Strategy interface {
	Resolve(ctx context.Context, shared SharedContext, options ResolveOptions) (json.RawMessage, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, shared SharedContext, options ResolveOptions) (json.RawMessage, error)

func (f StrategyFunc) Resolve(ctx context.Context, shared SharedContext, options ResolveOptions) (json.RawMessage, error) {
	return f(ctx, shared, options)
}

// RegisterStrategy adds or replaces the strategy stored under name.
func (s *Service) RegisterStrategy(name string, strategy Strategy) error {
	if err := s.ensureInitialized(opRegisterStrategy); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" || strategy == nil {
		return s.fail(opRegisterStrategy, reasonInvalidArgument,
			fmt.Errorf("%w: strategy name and implementation are required", ErrInvalidArgument))
	}
	s.strategiesMu.Lock()
	s.strategies[name] = strategy
	s.strategiesMu.Unlock()
	return nil
}

// Strategies lists the registered strategy names in lexical order.
func (s *Service) Strategies() []string {
	s.strategiesMu.RLock()
	names := make([]string, 0, len(s.strategies))
	for name := range s.strategies {
		names = append(names, name)
	}
	s.strategiesMu.RUnlock()
	slices.Sort(names)
	return names
}

func (s *Service) strategy(name string) (Strategy, bool) {
	s.strategiesMu.RLock()
	defer s.strategiesMu.RUnlock()
	strategy, ok := s.strategies[name]
	return strategy, ok
}

func (s *Service) registerBuiltinStrategies() {
	s.strategies[StrategyLastWriteWins] = StrategyFunc(resolveLastWrite)
	s.strategies[StrategyFirstWriteWins] = StrategyFunc(resolveFirstWrite)
	s.strategies[StrategyOwnerPreference] = StrategyFunc(resolveOwnerPreference)
	s.strategies[StrategyManual] = StrategyFunc(resolveManual)
	s.strategies[StrategyMerge] = StrategyFunc(s.resolveMerge)
}

// resolveLastWrite keeps the stored payload, which is already the latest write.
func resolveLastWrite(_ context.Context, shared SharedContext, _ ResolveOptions) (json.RawMessage, error) {
	return shared.Data, nil
}

func resolveFirstWrite(_ context.Context, shared SharedContext, _ ResolveOptions) (json.RawMessage, error) {
	if len(shared.History) > 0 {
		return shared.History[0].Data, nil
	}
	return shared.Data, nil
}

// resolveOwnerPreference adopts the most recent payload written by the sharer.
func resolveOwnerPreference(_ context.Context, shared SharedContext, _ ResolveOptions) (json.RawMessage, error) {
	if shared.LastUpdatedBy == shared.SharedBy {
		return shared.Data, nil
	}
	for index := len(shared.History) - 1; index >= 0; index-- {
		if shared.History[index].UpdatedBy == shared.SharedBy {
			return shared.History[index].Data, nil
		}
	}
	return shared.Data, nil
}

func resolveManual(_ context.Context, _ SharedContext, options ResolveOptions) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(options.ManualResolution)
	if len(trimmed) == 0 || bytes.Equal(trimmed, nullPayload) {
		return nil, ErrManualResolutionRequired
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("%w: manual resolution is not valid JSON", ErrInvalidArgument)
	}
	return trimmed, nil
}

// resolveMerge hands every historical payload plus the current one, oldest
// first, to the fusion engine.
func (s *Service) resolveMerge(ctx context.Context, shared SharedContext, _ ResolveOptions) (json.RawMessage, error) {
	payloads := make([]json.RawMessage, 0, len(shared.History)+1)
	for _, entry := range shared.History {
		payloads = append(payloads, entry.Data)
	}
	payloads = append(payloads, shared.Data)
	return s.fuser.FuseContext(ctx, shared.ContextType, payloads)
}
