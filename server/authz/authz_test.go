package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateAllowByTag(t *testing.T) {
	g := NewGate()
	g.Allow(TagWorker, Identities("worker-1"))

	m := Method{Name: "getWork", Tags: []Tag{TagAdmin, TagWorker}}

	assert.True(t, g.Authorize("worker-1", m, nil))
	assert.False(t, g.Authorize("worker-2", m, nil))
}

func TestGateDenyOverridesAllow(t *testing.T) {
	g := NewGate()
	g.Allow(TagWorker, Identities("worker-1"))
	g.Deny(TagWorker, Identities("worker-1"))

	m := Method{Name: "getWork", Tags: []Tag{TagWorker}}
	assert.False(t, g.Authorize("worker-1", m, nil))
}

func TestGatePredicateRule(t *testing.T) {
	g := NewGate()
	g.Allow(TagManager, Predicate(func(callerID, method string, params any) bool {
		return callerID == "ops-team"
	}))

	m := Method{Name: "jobCancel", Tags: []Tag{TagAdmin, TagManager}}
	assert.True(t, g.Authorize("ops-team", m, nil))
	assert.False(t, g.Authorize("anyone-else", m, nil))
}

func TestGateServerCallerBypasses(t *testing.T) {
	g := NewGate()
	m := Method{Name: "startJobs", Tags: []Tag{TagAdmin}}
	assert.True(t, g.Authorize(ServerCallerID, m, nil))
}

func TestGateMethodScopedRule(t *testing.T) {
	g := NewGate()
	g.AllowMethod("jobRemove", Identities("root"))

	m := Method{Name: "jobRemove", Tags: []Tag{TagAdmin, TagManager}}
	assert.True(t, g.Authorize("root", m, nil))
	assert.False(t, g.Authorize("manager-1", m, nil))
}
