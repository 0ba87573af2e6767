package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
)

type failingReader struct{}

func (failingReader) AvailableBytes(context.Context) (uint64, error) {
	return 0, errors.New("no /proc")
}

func TestCheckFloor(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, CheckFloor(ctx, StaticMemory(4096*bytesPerMB), DefaultMemoryFloorMB))
	assert.NoError(t, CheckFloor(ctx, StaticMemory(2048*bytesPerMB), DefaultMemoryFloorMB))

	err := CheckFloor(ctx, StaticMemory(1024*bytesPerMB), DefaultMemoryFloorMB)
	assert.ErrorIs(t, err, terrors.ErrInsufficientMemory)
	assert.Equal(t, terrors.ErrorTypeInsufficientMemory, terrors.GetType(err))
	assert.Equal(t, uint64(1024), terrors.GetDetails(err)["available_mb"])

	assert.NoError(t, CheckFloor(ctx, failingReader{}, DefaultMemoryFloorMB))
	assert.NoError(t, CheckFloor(ctx, nil, DefaultMemoryFloorMB))
	assert.NoError(t, CheckFloor(ctx, StaticMemory(0), 0))
}

func TestThreadCount(t *testing.T) {
	n := ThreadCount(context.Background(), 0)
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, MaxThreads)

	assert.Equal(t, 1, ThreadCount(context.Background(), 1))
}

func TestHostMemory(t *testing.T) {
	avail, err := HostMemory{}.AvailableBytes(context.Background())
	if err != nil {
		t.Skipf("host memory unavailable: %v", err)
	}
	assert.Greater(t, avail, uint64(0))
}
