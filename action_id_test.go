package castle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTargetID(t *testing.T) {
	tests := []struct {
		in      string
		want    TargetID
		wantErr bool
	}{
		{in: "daemonStart", want: AllOf("daemonStart")},
		{in: "daemonStart:zk", want: NewTargetID("daemonStart", "zk")},
		{in: "daemonStart:all", want: AllOf("daemonStart")},
		{in: "", wantErr: true},
		{in: ":zk", wantErr: true},
		{in: "daemonStart:", wantErr: true},
		{in: "a:b:c", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTargetID(tt.in)
			if tt.wantErr {
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTargetIDMatches(t *testing.T) {
	zk := NewActionID("daemonStart", "zk")
	bk := NewActionID("daemonStart", "bk")

	assert.True(t, AllOf("daemonStart").Matches(zk))
	assert.True(t, AllOf("daemonStart").Matches(bk))
	assert.True(t, NewTargetID("daemonStart", "zk").Matches(zk))
	assert.False(t, NewTargetID("daemonStart", "zk").Matches(bk))
	assert.False(t, AllOf("daemonStop").Matches(zk))
	assert.True(t, AllOf("awsInit").Matches(NewActionID("awsInit", "")))
	assert.False(t, NewTargetID("awsInit", "x").Matches(NewActionID("awsInit", "")))
}

func TestIDStrings(t *testing.T) {
	assert.Equal(t, "daemonStart:zk", NewActionID("daemonStart", "zk").String())
	assert.Equal(t, "awsInit", NewActionID("awsInit", "").String())
	assert.Equal(t, "daemonStart:all", AllOf("daemonStart").String())
	assert.True(t, AllOf("x").IsWildcard())
	assert.Equal(t, "daemonStart:zk@node0",
		UnitID{Action: NewActionID("daemonStart", "zk"), Node: "node0"}.String())
}

func TestActionRegistry(t *testing.T) {
	reg := NewActionRegistry()
	require.NoError(t, reg.RegisterType("start"))
	assert.Error(t, reg.RegisterType(""))
	assert.Error(t, reg.RegisterType("a:b"))

	a := NewActionFunc(NewActionID("start", "b"), nil, noop)
	b := NewActionFunc(NewActionID("start", "a"), nil, noop)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	var verr *ValidationError
	assert.ErrorAs(t, reg.Register(NewActionFunc(NewActionID("start", "a"), nil, noop)), &verr)
	assert.ErrorAs(t, reg.Register(NewActionFunc(NewActionID("stop", "a"), nil, noop)), &verr)

	got, ok := reg.Get(NewActionID("start", "a"))
	require.True(t, ok)
	assert.Same(t, b, got)

	matched := reg.Match(AllOf("start"))
	require.Len(t, matched, 2)
	assert.Equal(t, "a", matched[0].ID().Scope)
	assert.Len(t, reg.Match(NewTargetID("start", "b")), 1)
	assert.Empty(t, reg.Match(AllOf("stop")))
}

func TestNodeSelectors(t *testing.T) {
	n1 := NewNode("n1", []string{"zk"}, nil)
	n2 := NewNode("n2", []string{"bk"}, nil)

	assert.True(t, OnNodes("n1")(n1))
	assert.False(t, OnNodes("n1")(n2))
	assert.True(t, OnRole("bk")(n2))
	assert.False(t, OnRole("bk")(n1))
	assert.True(t, OnAllNodes()(n1))

	f := NewActionFunc(NewActionID("x", ""), OnRole("zk"), noop)
	assert.True(t, f.AppliesTo(n1))
	assert.False(t, f.AppliesTo(n2))
	assert.True(t, NewActionFunc(NewActionID("x", ""), nil, noop).AppliesTo(n2))
}
