package crc64

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC64CheckValue(t *testing.T) {
	hash := New()
	hash.Write([]byte("123456789"))
	assert.Equal(t, uint64(16845390139448941002), hash.Sum64())
}

func TestCRC64IncrementalWritesMatchSingleWrite(t *testing.T) {
	whole := New()
	whole.Write([]byte("123456789"))

	split := New()
	split.Write([]byte("1234"))
	split.Write([]byte("56789"))

	assert.Equal(t, whole.Sum64(), split.Sum64())
}
