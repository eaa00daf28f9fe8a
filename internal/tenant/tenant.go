/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tenant provides multi-tenant foundations for the control
// plane. Every Capsule, ExecutablePlan, approval request, and receipt
// is scoped to a tenant. Each tenant has:
//   - Resource quotas (max concurrent runs, max runs per day, token budget)
//   - Cost attribution (tool-invocation token usage tracked per tenant)
package tenant

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Tenant represents an isolated tenant in the multi-tenant model.
type Tenant struct {
	// ID is the tenant identifier.
	ID string

	// Quotas define resource limits for this tenant.
	Quotas Quotas

	// Usage tracks current resource consumption.
	Usage Usage
}

// Quotas defines resource limits per tenant.
type Quotas struct {
	// MaxConcurrentRuns is the maximum simultaneous orchestrator runs
	// for this tenant, enforced before Validating -> Running.
	MaxConcurrentRuns int `json:"maxConcurrentRuns"`

	// MaxTokenBudgetPerHour is the aggregate tool-invocation token
	// budget per hour.
	MaxTokenBudgetPerHour int64 `json:"maxTokenBudgetPerHour"`

	// MaxRunsPerDay is the maximum total runs per day.
	MaxRunsPerDay int `json:"maxRunsPerDay"`
}

// Usage tracks current resource consumption.
type Usage struct {
	// ConcurrentRuns is the current number of in-flight runs.
	ConcurrentRuns int `json:"concurrentRuns"`

	// TokensUsedThisHour is the approximate tokens consumed in the current hour.
	TokensUsedThisHour int64 `json:"tokensUsedThisHour"`

	// RunsToday is the number of runs started today.
	RunsToday int `json:"runsToday"`

	// TotalTokensAllTime is the lifetime token consumption.
	TotalTokensAllTime int64 `json:"totalTokensAllTime"`

	// LastUpdated is when usage was last calculated.
	LastUpdated time.Time `json:"lastUpdated"`
}

// QuotaEnforcer checks tenant quotas before allowing orchestrator
// operations.
type QuotaEnforcer struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
	log     logr.Logger
}

// NewQuotaEnforcer creates a quota enforcer.
func NewQuotaEnforcer(log logr.Logger) *QuotaEnforcer {
	return &QuotaEnforcer{
		tenants: make(map[string]*Tenant),
		log:     log,
	}
}

// RegisterTenant adds or updates a tenant's quotas.
func (qe *QuotaEnforcer) RegisterTenant(t Tenant) {
	qe.mu.Lock()
	defer qe.mu.Unlock()
	qe.tenants[t.ID] = &t
}

// GetTenant returns a tenant by id.
func (qe *QuotaEnforcer) GetTenant(id string) (*Tenant, bool) {
	qe.mu.RLock()
	defer qe.mu.RUnlock()
	t, ok := qe.tenants[id]
	if !ok {
		return nil, false
	}
	copy := *t
	return &copy, true
}

// CheckCanStartRun verifies the tenant hasn't exceeded run quotas. An
// unregistered tenant has no limits — quota enforcement is opt-in per
// tenant, not a default deny.
func (qe *QuotaEnforcer) CheckCanStartRun(tenantID string) error {
	qe.mu.RLock()
	defer qe.mu.RUnlock()

	t, ok := qe.tenants[tenantID]
	if !ok {
		return nil
	}

	if t.Quotas.MaxConcurrentRuns > 0 && t.Usage.ConcurrentRuns >= t.Quotas.MaxConcurrentRuns {
		return fmt.Errorf("tenant %q exceeded max concurrent runs (%d/%d)", tenantID, t.Usage.ConcurrentRuns, t.Quotas.MaxConcurrentRuns)
	}

	if t.Quotas.MaxRunsPerDay > 0 && t.Usage.RunsToday >= t.Quotas.MaxRunsPerDay {
		return fmt.Errorf("tenant %q exceeded max runs per day (%d/%d)", tenantID, t.Usage.RunsToday, t.Quotas.MaxRunsPerDay)
	}

	if t.Quotas.MaxTokenBudgetPerHour > 0 && t.Usage.TokensUsedThisHour >= t.Quotas.MaxTokenBudgetPerHour {
		return fmt.Errorf("tenant %q exceeded hourly token budget (%d/%d)", tenantID, t.Usage.TokensUsedThisHour, t.Quotas.MaxTokenBudgetPerHour)
	}

	return nil
}

// RecordRunStart increments concurrent run count.
func (qe *QuotaEnforcer) RecordRunStart(tenantID string) {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	t, ok := qe.tenants[tenantID]
	if !ok {
		return
	}
	t.Usage.ConcurrentRuns++
	t.Usage.RunsToday++
	t.Usage.LastUpdated = time.Now()
}

// RecordRunEnd decrements concurrent run count and adds token usage.
func (qe *QuotaEnforcer) RecordRunEnd(tenantID string, tokensUsed int64) {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	t, ok := qe.tenants[tenantID]
	if !ok {
		return
	}
	if t.Usage.ConcurrentRuns > 0 {
		t.Usage.ConcurrentRuns--
	}
	t.Usage.TokensUsedThisHour += tokensUsed
	t.Usage.TotalTokensAllTime += tokensUsed
	t.Usage.LastUpdated = time.Now()
}

// ResetHourlyUsage resets the hourly token counter for all tenants.
// Intended to be called by a periodic job (cron.Cron, hourly).
func (qe *QuotaEnforcer) ResetHourlyUsage() {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	for _, t := range qe.tenants {
		t.Usage.TokensUsedThisHour = 0
	}
}

// ResetDailyUsage resets the daily run counter for all tenants.
func (qe *QuotaEnforcer) ResetDailyUsage() {
	qe.mu.Lock()
	defer qe.mu.Unlock()

	for _, t := range qe.tenants {
		t.Usage.RunsToday = 0
	}
}

// CostReport generates a cost summary for a tenant.
func (qe *QuotaEnforcer) CostReport(tenantID string) (*CostReport, error) {
	qe.mu.RLock()
	defer qe.mu.RUnlock()

	t, ok := qe.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant %q not found", tenantID)
	}

	return &CostReport{
		TenantID:           t.ID,
		RunsToday:          t.Usage.RunsToday,
		TokensThisHour:     t.Usage.TokensUsedThisHour,
		TokensAllTime:      t.Usage.TotalTokensAllTime,
		ConcurrentRuns:     t.Usage.ConcurrentRuns,
		QuotaConcurrent:    t.Quotas.MaxConcurrentRuns,
		QuotaTokensPerHour: t.Quotas.MaxTokenBudgetPerHour,
		QuotaRunsPerDay:    t.Quotas.MaxRunsPerDay,
	}, nil
}

// CostReport is a snapshot of tenant resource usage.
type CostReport struct {
	TenantID           string `json:"tenant"`
	RunsToday          int    `json:"runsToday"`
	TokensThisHour     int64  `json:"tokensThisHour"`
	TokensAllTime      int64  `json:"tokensAllTime"`
	ConcurrentRuns     int    `json:"concurrentRuns"`
	QuotaConcurrent    int    `json:"quotaConcurrent"`
	QuotaTokensPerHour int64  `json:"quotaTokensPerHour"`
	QuotaRunsPerDay    int    `json:"quotaRunsPerDay"`
}
