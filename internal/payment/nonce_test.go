package payment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUNonceStoreClaimsOnce(t *testing.T) {
	s, err := NewLRUNonceStore(16)
	require.NoError(t, err)
	key := NonceKey("settle", common.HexToAddress("0x01"), common.HexToAddress("0x02"), [32]byte{1})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(context.Background(), key, time.Minute)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestLRUNonceStoreReleasesAfterTTL(t *testing.T) {
	s, err := NewLRUNonceStore(16)
	require.NoError(t, err)
	now := time.Now()
	s.now = func() time.Time { return now }

	ok, err := s.Claim(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = s.Claim(context.Background(), "k", time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.Claim(context.Background(), "k", time.Minute)
	assert.True(t, ok)
}

func TestNonceKeySeparatesPurpose(t *testing.T) {
	signer := common.HexToAddress("0x01")
	contract := common.HexToAddress("0x02")
	assert.NotEqual(t,
		NonceKey("auth", signer, contract, [32]byte{1}),
		NonceKey("settle", signer, contract, [32]byte{1}))
	assert.NotEqual(t,
		NonceKey("settle", signer, contract, [32]byte{1}),
		NonceKey("settle", signer, contract, [32]byte{2}))
}
