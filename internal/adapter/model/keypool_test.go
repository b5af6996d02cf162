package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyPoolRotation(t *testing.T) {
	p := NewKeyPool([]string{"k1", "k2", "k3"})

	assert.Equal(t, "k1", p.Current())
	assert.True(t, p.Rotate())
	assert.Equal(t, "k2", p.Current())
	assert.True(t, p.Rotate())
	assert.Equal(t, "k3", p.Current())
	assert.False(t, p.Rotate())
	assert.Equal(t, "k3", p.Current())
}

func TestKeyPoolReset(t *testing.T) {
	p := NewKeyPool([]string{"k1", "k2"})
	p.Rotate()
	assert.False(t, p.Rotate())

	p.Reset()
	assert.Equal(t, "k1", p.Current())
	assert.True(t, p.Rotate())
}

func TestKeyPoolEmpty(t *testing.T) {
	p := NewKeyPool(nil)
	assert.Equal(t, "", p.Current())
	assert.False(t, p.Rotate())
	assert.Zero(t, p.Len())
}
