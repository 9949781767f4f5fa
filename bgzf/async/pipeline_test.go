package async

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sourceItems returns a ReadAheadFunc that serves n one-unit items from a
// plain slice, honoring the read-ahead contract (at most one concurrent
// call, bounded by the caller's own serialization of Start/NextRecord).
func sourceItems(items []int) ReadAheadFunc[int] {
	var mu sync.Mutex
	i := 0
	return func(budget int) (int, int, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(items) {
			return 0, 0, true, nil
		}
		v := items[i]
		i++
		return v, 1, false, nil
	}
}

func TestPipelineDeliversInOrderUnderContention(t *testing.T) {
	n := 500
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}

	var transformed int32
	p := New(Config{BatchBufferBudget: 7, Batches: 3, Workers: 8}, sourceItems(items), func(v int) (int, error) {
		atomic.AddInt32(&transformed, 1)
		// Square it; the point is the transform need not preserve order of
		// completion, only of delivery.
		return v * v, nil
	})
	require.NoError(t, p.Start())

	var got []int
	for {
		v, err := p.NextRecord()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Len(t, got, n)
	for i, v := range got {
		assert.Equal(t, i*i, v)
	}
	assert.EqualValues(t, n, transformed)
}

func TestPipelineSurfacesTransformError(t *testing.T) {
	items := []int{1, 2, 3}
	sentinel := assert.AnError
	p := New(Config{BatchBufferBudget: 10, Batches: 2}, sourceItems(items), func(v int) (int, error) {
		if v == 2 {
			return 0, sentinel
		}
		return v, nil
	})
	require.NoError(t, p.Start())

	v, err := p.NextRecord()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = p.NextRecord()
	assert.Equal(t, sentinel, err)
}

func TestPipelineDisableAndEnable(t *testing.T) {
	items := []int{1, 2, 3, 4}
	p := New(Config{BatchBufferBudget: 1, Batches: 1}, sourceItems(items), func(v int) (int, error) { return v, nil })
	require.NoError(t, p.Start())

	v, err := p.NextRecord()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	p.Flush()
	require.NoError(t, p.Enable())

	var got []int
	for {
		v, err := p.NextRecord()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.NotEmpty(t, got)
}
