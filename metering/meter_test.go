package metering

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMeterAccumulates(t *testing.T) {
	meter, err := NewMeter("")
	require.NoError(t, err)

	meter.AddRx(100)
	meter.AddTx(50)
	meter.AddRx(-5)

	usage := meter.Snapshot()
	require.Equal(t, uint64(100), usage.RxBytes)
	require.Equal(t, uint64(50), usage.TxBytes)
	require.Equal(t, uint64(150), usage.TotalBytes())
	require.True(t, usage.Cost.IsZero())
}

func TestMeterCostEstimate(t *testing.T) {
	meter, err := NewMeter("0.25")
	require.NoError(t, err)

	// Exactly 2 MiB at 0.25 per MiB.
	meter.AddRx(1024 * 1024)
	meter.AddTx(1024 * 1024)

	usage := meter.Snapshot()
	require.True(t, usage.Cost.Equal(decimal.RequireFromString("0.5")), "cost %s", usage.Cost)
}

func TestMeterRejectsInvalidCost(t *testing.T) {
	_, err := NewMeter("not-a-number")
	require.Error(t, err)

	_, err = NewMeter("-1")
	require.Error(t, err)
}

func TestMeterReset(t *testing.T) {
	meter, err := NewMeter("1")
	require.NoError(t, err)
	meter.AddRx(42)
	meter.Reset()
	require.Equal(t, uint64(0), meter.Snapshot().TotalBytes())
}

func TestMeterConcurrentUse(t *testing.T) {
	meter, err := NewMeter("")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				meter.AddRx(1)
				meter.AddTx(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(1600), meter.Snapshot().TotalBytes())
}
