package resultstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewRedisCacheFailsFastOnUnreachableAddr(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Port 1 is reserved and nothing should ever be listening there in a
	// test environment, so this exercises the ping-fails-to-connect path.
	_, err := NewRedisCache(ctx, "127.0.0.1:1", time.Minute)
	assert.Error(t, err)
}
