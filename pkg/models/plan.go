// Package models defines the domain types shared across callgate packages.
package models

// Plan identifies a tenant's subscription plan.
type Plan string

const (
	PlanPAYG       Plan = "PAYG"
	PlanStarter    Plan = "STARTER"
	PlanPro        Plan = "PRO"
	PlanEnterprise Plan = "ENTERPRISE"
)

// AllPlans lists every known plan, used for per-plan counter enumeration.
var AllPlans = []Plan{PlanPAYG, PlanStarter, PlanPro, PlanEnterprise}

// DefaultConcurrentLimit returns the plan's built-in concurrent-call limit.
// A per-tenant override on the subscription row supersedes this value.
func (p Plan) DefaultConcurrentLimit() int {
	switch p {
	case PlanPAYG, PlanStarter:
		return 1
	case PlanPro:
		return 3
	case PlanEnterprise:
		return 10
	default:
		return 1
	}
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanPAYG, PlanStarter, PlanPro, PlanEnterprise:
		return true
	}
	return false
}
