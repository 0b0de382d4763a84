package dht

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"swarm/util"
)

func fullRangeBucket() *Bucket {
	return newBucket(idFill(0), idFill(0xff), time.Unix(0, 0))
}

func TestBucketContains(t *testing.T) {
	b := fullRangeBucket()
	assert.True(t, b.Contains(idFill(0)))
	assert.True(t, b.Contains(idFill(0xff)))
	assert.True(t, b.Contains(util.InfoHash("any old twenty bytes")))
}

func TestMidpointSplitsEvenly(t *testing.T) {
	b := fullRangeBucket()
	mid, upper := b.midpoint()
	// Lower half tops out at 0x7fff..ff, upper starts at 0x8000..00.
	assert.Equal(t, byte(0x7f), mid[0])
	assert.Equal(t, idFill(0xff)[1:], mid[1:])
	assert.Equal(t, byte(0x80), upper[0])
	for i := 1; i < util.IDLen; i++ {
		assert.Equal(t, byte(0), upper[i])
	}
}

func TestMidpointWidthTwo(t *testing.T) {
	low := idFill(0)
	high := idIncrement(low)
	b := newBucket(low, high, time.Unix(0, 0))
	mid, upper := b.midpoint()
	assert.Equal(t, low, mid, "width two: one address per half")
	assert.Equal(t, high, upper)
}

func TestIDArithmetic(t *testing.T) {
	one := idIncrement(idFill(0))
	assert.Equal(t, byte(1), one[util.IDLen-1])

	// Carry across bytes.
	almost := util.InfoHash(strings.Repeat("\x00", util.IDLen-2) + "\x00\xff")
	carried := idIncrement(almost)
	assert.Equal(t, byte(1), carried[util.IDLen-2])
	assert.Equal(t, byte(0), carried[util.IDLen-1])

	assert.Equal(t, idFill(0), idSub(idFill(0x55), idFill(0x55)))
	assert.Equal(t, idFill(0xff), idAdd(idFill(0xaa), idFill(0x55)))

	sr := idShiftRight(idFill(0xff))
	assert.Equal(t, byte(0x7f), sr[0])
	for i := 1; i < util.IDLen; i++ {
		assert.Equal(t, byte(0xff), sr[i])
	}
}

func TestRandomIDInRange(t *testing.T) {
	b := newBucket(idFill(0x40), idFill(0x7f), time.Unix(0, 0))
	seq := []byte{0x90, 0x12, 0x34}
	i := 0
	next := func() byte {
		v := seq[i%len(seq)]
		i++
		return v
	}
	for trial := 0; trial < 8; trial++ {
		id := b.RandomIDInRange(next)
		assert.True(t, b.Contains(id), "random id %x escaped its bucket", string(id))
	}
}
