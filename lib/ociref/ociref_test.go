package ociref

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTagged(t *testing.T) {
	ref, err := Parse("myorg/alpine-vm:latest")
	require.NoError(t, err)
	assert.Equal(t, "myorg/alpine-vm", ref.Repository())
	assert.Equal(t, "latest", ref.Tag())
	assert.Empty(t, ref.Digest())
	assert.Equal(t, "myorg/alpine-vm:latest", ref.String())
}

func TestParseDigest(t *testing.T) {
	const digest = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	ref, err := Parse("myorg/alpine-vm@" + digest)
	require.NoError(t, err)
	assert.Equal(t, "myorg/alpine-vm", ref.Repository())
	assert.Empty(t, ref.Tag())
	assert.Equal(t, digest, ref.Digest())
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestParseRejectsMissingTag(t *testing.T) {
	_, err := Parse("myorg/alpine-vm")
	require.Error(t, err)
}

func TestParseRejectsInvalidName(t *testing.T) {
	_, err := Parse("Not Valid!!:tag")
	require.Error(t, err)
}
