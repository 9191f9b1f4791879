// Copyright 2026 LocalLedger Authors
// SPDX-License-Identifier: Apache-2.0

package syncmgr

// Condition is a coarse view of current network quality. The engine only
// needs enough resolution to pick batch sizes, not bandwidth estimates.
type Condition int

const (
	ConditionOffline Condition = iota
	ConditionConstrained
	ConditionGood
)

func (c Condition) String() string {
	switch c {
	case ConditionOffline:
		return "offline"
	case ConditionConstrained:
		return "constrained"
	default:
		return "good"
	}
}

// NetworkConditionProvider reports current network quality. Production
// implementations can poll the platform; tests use a static value. The
// sync manager depends only on this interface.
type NetworkConditionProvider interface {
	Condition() Condition
}

// StaticProvider always reports a fixed condition.
type StaticProvider struct {
	C Condition
}

func (p StaticProvider) Condition() Condition { return p.C }

// ProviderFunc adapts a function to a NetworkConditionProvider.
type ProviderFunc func() Condition

func (f ProviderFunc) Condition() Condition { return f() }
