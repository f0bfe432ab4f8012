package rt

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddRemove(t *testing.T) {
	reg := NewRegistry()
	a1 := NewChannel("alice", 4)
	a2 := NewChannel("alice", 4)
	b1 := NewChannel("bob", 4)

	reg.Add("alice", a1)
	reg.Add("alice", a2)
	reg.Add("bob", b1)

	assert.Equal(t, 2, reg.CountForUser("alice"))
	assert.Equal(t, 1, reg.CountForUser("bob"))
	assert.Equal(t, 3, reg.Len())
	assert.Len(t, reg.ForUser("alice"), 2)

	remaining := reg.Remove("alice", a1)
	assert.Equal(t, 1, remaining)

	remaining = reg.Remove("alice", a2)
	assert.Equal(t, 0, remaining)
	assert.Nil(t, reg.ForUser("alice"))
	assert.NotContains(t, reg.Users(), "alice")
	assert.Contains(t, reg.Users(), "bob")
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	reg := NewRegistry()
	ch := NewChannel("alice", 4)
	assert.Equal(t, 0, reg.Remove("alice", ch))
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i%4)
			for j := 0; j < 50; j++ {
				ch := NewChannel(user, 4)
				reg.Add(user, ch)
				reg.ForUser(user)
				reg.Remove(user, ch)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}

func TestChannelSendAfterClose(t *testing.T) {
	ch := NewChannel("alice", 1)
	require.NoError(t, ch.Send([]byte("one")))

	ch.Close()
	ch.Close() // idempotent

	err := ch.Send([]byte("two"))
	assert.ErrorIs(t, err, ErrChannelClosed)

	select {
	case <-ch.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestChannelSendFullQueue(t *testing.T) {
	ch := NewChannel("alice", 1)
	require.NoError(t, ch.Send([]byte("one")))

	err := ch.Send([]byte("two"))
	assert.ErrorIs(t, err, ErrChannelFull)

	// draining frees the slot again
	<-ch.Out()
	assert.NoError(t, ch.Send([]byte("three")))
}
