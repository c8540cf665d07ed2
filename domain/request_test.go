package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() Request {
	return Request{
		Target:   Target{Name: "staging-1", Host: "10.0.0.5", User: "deploy"},
		App:      "citadel",
		Artifact: ArtifactRef{Image: "citadel:latest"},
		Strategy: StrategyRename,
		Ports:    PortPlan{HostPorts: []int{8080}},
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr bool
	}{
		{name: "valid rename", mutate: func(r *Request) {}},
		{name: "rename without ports", mutate: func(r *Request) { r.Ports.HostPorts = nil }},
		{name: "missing app", mutate: func(r *Request) { r.App = "" }, wantErr: true},
		{name: "app with shell characters", mutate: func(r *Request) { r.App = "a;rm" }, wantErr: true},
		{name: "missing image", mutate: func(r *Request) { r.Artifact = ArtifactRef{} }, wantErr: true},
		{name: "rename with two ports", mutate: func(r *Request) { r.Ports.HostPorts = []int{1, 2} }, wantErr: true},
		{name: "bluegreen without proxy", mutate: func(r *Request) {
			r.Strategy = StrategyBlueGreen
			r.Ports.HostPorts = []int{3001, 3002}
		}, wantErr: true},
		{name: "bluegreen with proxy", mutate: func(r *Request) {
			r.Strategy = StrategyBlueGreen
			r.Ports.HostPorts = []int{3001, 3002}
			r.Target.Proxy = &ProxyConfig{ConfigPath: "/etc/caddy/Caddyfile", ReloadCommand: "caddy reload"}
		}},
		{name: "bluegreen same ports", mutate: func(r *Request) {
			r.Strategy = StrategyBlueGreen
			r.Ports.HostPorts = []int{3001, 3001}
			r.Target.Proxy = &ProxyConfig{ConfigPath: "/c", ReloadCommand: "r"}
		}, wantErr: true},
		{name: "unknown strategy", mutate: func(r *Request) { r.Strategy = "canary" }, wantErr: true},
		{name: "invalid port", mutate: func(r *Request) { r.Ports.HostPorts = []int{70000} }, wantErr: true},
		{name: "target without user", mutate: func(r *Request) { r.Target.User = "" }, wantErr: true},
		{name: "local target without user", mutate: func(r *Request) {
			r.Target.Host = "localhost"
			r.Target.User = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequestValidateRestore(t *testing.T) {
	r := validRequest()
	r.Artifact = ArtifactRef{}
	r.Strategy = ""
	r.Ports.HostPorts = nil
	assert.NoError(t, r.ValidateRestore())
	assert.ErrorIs(t, r.Validate(), ErrConfig)

	r.Strategy = StrategyBlueGreen
	assert.ErrorIs(t, r.ValidateRestore(), ErrConfig)

	r = validRequest()
	r.App = "a;rm"
	assert.ErrorIs(t, r.ValidateRestore(), ErrConfig)
}

func TestAppNameFromImage(t *testing.T) {
	assert.Equal(t, "web", AppNameFromImage("registry.example.com/team/web:1.2"))
	assert.Equal(t, "citadel", AppNameFromImage("citadel:latest"))
	assert.Equal(t, "api", AppNameFromImage("api"))
	assert.Equal(t, "api", AppNameFromImage("ghcr.io/org/api@sha256:abc"))
}

func TestHealthConfigWithDefaults(t *testing.T) {
	h := HealthConfig{}.WithDefaults()
	assert.Equal(t, DefaultHealthPath, h.Path)
	assert.Equal(t, DefaultHealthInterval, h.Interval)
	assert.Equal(t, DefaultHealthTimeout, h.Timeout)

	custom := HealthConfig{Path: "/ready", Timeout: 5e9}.WithDefaults()
	assert.Equal(t, "/ready", custom.Path)
	assert.Equal(t, DefaultHealthInterval, custom.Interval)
}

func TestServerGroupValidate(t *testing.T) {
	known := map[string]Target{
		"a": {Name: "a", Host: "a", User: "u"},
		"b": {Name: "b", Host: "b", User: "u"},
	}
	assert.NoError(t, ServerGroup{Name: "prod", Servers: []string{"a", "b"}}.Validate(known))
	assert.ErrorIs(t, ServerGroup{Name: "prod", Servers: []string{"a", "c"}}.Validate(known), ErrConfig)
	assert.ErrorIs(t, ServerGroup{Name: "prod", Servers: []string{"a", "a"}}.Validate(known), ErrConfig)
	assert.ErrorIs(t, ServerGroup{Name: "prod"}.Validate(known), ErrConfig)
}

func TestOutcomeKind(t *testing.T) {
	o := Outcome{Err: fmt.Errorf("%w: %w", ErrRollback, errors.New("rename failed"))}
	assert.Equal(t, ErrRollback, o.Kind())
	assert.Nil(t, Outcome{}.Kind())

	assert.True(t, AllCommitted([]Outcome{{Status: StatusCommitted}, {Status: StatusCommitted}}))
	assert.False(t, AllCommitted([]Outcome{{Status: StatusCommitted}, {Status: StatusRolledBack}}))
	assert.False(t, AllCommitted(nil))
}

func TestTargetAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.5:22", Target{Host: "10.0.0.5"}.Address())
	assert.Equal(t, "10.0.0.5:2222", Target{Host: "10.0.0.5", Port: 2222}.Address())
}

func TestKindNames(t *testing.T) {
	for _, kind := range []error{ErrConfig, ErrAuth, ErrLockContention, ErrBuild, ErrSmokeTest,
		ErrTransport, ErrHealthTimeout, ErrUnhealthy, ErrSwap, ErrRollback, ErrCancelled} {
		name := KindName(kind)
		assert.NotEmpty(t, name, kind.Error())
		assert.Equal(t, kind, KindByName(name))
	}
	assert.Empty(t, KindName(nil))
	assert.Nil(t, KindByName("nope"))
}
