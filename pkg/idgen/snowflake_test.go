package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsOutOfRangeNode(t *testing.T) {
	assert.Error(t, Init(-1))
	assert.Error(t, Init(4096))
	require.NoError(t, Init(7))
}

func TestGenerateTransactionNoUnique(t *testing.T) {
	const workers, perWorker = 8, 200

	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, workers*perWorker)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				no := GenerateTransactionNo()
				mu.Lock()
				seen[no] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestBusinessNoPrefix(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateTransactionNo(), "PTX"))
	assert.True(t, strings.HasPrefix(GenerateQuoteID(), "QUO"))
	assert.Greater(t, NextID(), int64(0))
}
