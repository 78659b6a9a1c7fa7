package store_test

import (
	"testing"

	"github.com/warp/policy-engine/policy"
	"github.com/warp/policy-engine/policy/store"
	"github.com/warp/policy-engine/policy/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) policy.TxStore {
		return store.NewMemory()
	})
}
