package proplist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopulse/pulseclient/internal/proto"
)

func TestSetPreservesInsertionOrder(t *testing.T) {
	p := New()
	p.SetString("application.name", "pulsectl")
	p.SetString("application.icon_name", "audio")
	p.SetString("application.name", "pulsectl-v2")

	require.Equal(t, []string{"application.name", "application.icon_name"}, p.Keys())
	v, ok := p.Get("application.name")
	require.True(t, ok)
	require.Equal(t, "pulsectl-v2", string(v))
}

func TestRemoveIsIdempotent(t *testing.T) {
	p := New()
	p.SetString("a", "1")
	p.Remove("a")
	p.Remove("a")
	require.Equal(t, 0, p.Len())
}

func TestUpdateMerge(t *testing.T) {
	p := New()
	p.SetString("a", "1")
	p.SetString("b", "2")

	other := New()
	other.SetString("b", "3")
	other.SetString("c", "4")

	p.Update(proto.ProplistMerge, other)

	va, _ := p.Get("a")
	vb, _ := p.Get("b")
	vc, _ := p.Get("c")
	require.Equal(t, "1", string(va))
	require.Equal(t, "3", string(vb))
	require.Equal(t, "4", string(vc))
}

func TestUpdateSetReplacesEverything(t *testing.T) {
	p := New()
	p.SetString("a", "1")

	other := New()
	other.SetString("b", "2")

	p.Update(proto.ProplistSet, other)

	require.Equal(t, []string{"b"}, p.Keys())
}
