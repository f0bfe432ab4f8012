package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDMKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DMKey("alice", "bob"), DMKey("bob", "alice"))
	assert.Equal(t, "amora:dm:alice:bob", DMKey("bob", "alice"))
}

func TestGroupKey(t *testing.T) {
	assert.Equal(t, "amora:group:g1:general", GroupKey("g1", "general"))
}

func TestReadKey(t *testing.T) {
	assert.Equal(t, "amora:read:amora:dm:a:b", readKey(DMKey("b", "a")))
}
